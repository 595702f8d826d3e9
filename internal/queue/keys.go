package queue

import (
	"strings"
)

// Ref identifies one queue of an environment. Runs sharing a ConcurrencyKey
// get their own sub-queue with its own concurrency set, limited by the parent
// queue's limit.
type Ref struct {
	OrganizationID string
	EnvironmentID  string
	Name           string
	ConcurrencyKey string
}

// Key is the queue's sorted set name, without the Redis prefix.
func (r Ref) Key() string {
	k := r.BaseKey()
	if r.ConcurrencyKey != "" {
		k += ":ck:" + r.ConcurrencyKey
	}
	return k
}

// BaseKey names the queue ignoring the concurrency key.
func (r Ref) BaseKey() string {
	return "queue:" + r.OrganizationID + ":" + r.EnvironmentID + ":" + r.Name
}

// parseRef reverses Key. Organization and environment ids never contain ':'.
func parseRef(key string) (Ref, bool) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "queue" {
		return Ref{}, false
	}
	ref := Ref{OrganizationID: parts[1], EnvironmentID: parts[2], Name: parts[3]}
	if name, ck, ok := strings.Cut(ref.Name, ":ck:"); ok {
		ref.Name, ref.ConcurrencyKey = name, ck
	}
	return ref, true
}

// EnvMasterQueue is the master queue a development environment dequeues from.
func EnvMasterQueue(envID string) string {
	return "env:" + envID
}

// WorkerMasterQueue is the master queue of a deployed worker version.
func WorkerMasterQueue(workerID string) string {
	return "worker:" + workerID
}

type keys struct {
	prefix string
}

func (k keys) queue(ref Ref) string        { return k.prefix + ref.Key() }
func (k keys) message(runID string) string { return k.prefix + "msg:" + runID }
func (k keys) master(name string) string   { return k.prefix + "masterqueue:" + name }

func (k keys) queueConcurrency(ref Ref) string { return k.prefix + "concurrency:" + ref.Key() }
func (k keys) envConcurrency(envID string) string {
	return k.prefix + "concurrency:env:" + envID
}
func (k keys) orgConcurrency(orgID string) string {
	return k.prefix + "concurrency:org:" + orgID
}
func (k keys) globalConcurrency(deployed bool) string {
	if deployed {
		return k.prefix + "concurrency:global:deployed"
	}
	return k.prefix + "concurrency:global:development"
}

func (k keys) queueLimit(ref Ref) string      { return k.prefix + "limit:" + ref.BaseKey() }
func (k keys) envLimit(envID string) string   { return k.prefix + "limit:env:" + envID }
func (k keys) orgLimit(orgID string) string   { return k.prefix + "limit:org:" + orgID }
func (k keys) rateLimitConfig(ref Ref) string { return k.prefix + "limit:rate:" + ref.BaseKey() }

// rateLimitBucket is the bucket prefix; the script appends ":<rateLimitKey>".
func (k keys) rateLimitBucket(ref Ref) string { return k.prefix + "ratelimit:" + ref.BaseKey() }
