package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/store"
)

// OrganizationRequest creates an organization.
type OrganizationRequest struct {
	ID                      string `json:"id,omitempty" validate:"omitempty,max=64"`
	Title                   string `json:"title" validate:"required,max=256"`
	MaximumConcurrencyLimit *int   `json:"maximumConcurrencyLimit,omitempty" validate:"omitempty,gte=0"`
}

// EnvironmentRequest creates an environment of a project.
type EnvironmentRequest struct {
	ID                      string                `json:"id,omitempty" validate:"omitempty,max=64"`
	OrganizationID          string                `json:"organizationId" validate:"required"`
	ProjectID               string                `json:"projectId" validate:"required"`
	Type                    model.EnvironmentType `json:"type" validate:"required,oneof=DEVELOPMENT STAGING PREVIEW PRODUCTION"`
	MaximumConcurrencyLimit *int                  `json:"maximumConcurrencyLimit,omitempty" validate:"omitempty,gte=0"`
}

// Limits are the resolved concurrency limits of an environment. Nil is unlimited.
type Limits struct {
	Organization *int `json:"organization"`
	Environment  *int `json:"environment"`
}

// CreateOrganization creates an organization.
func (e *Engine) CreateOrganization(ctx context.Context, req OrganizationRequest) (*model.Organization, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	org := &model.Organization{
		ID:                      req.ID,
		Title:                   req.Title,
		MaximumConcurrencyLimit: req.MaximumConcurrencyLimit,
		CreatedAt:               e.now(),
	}
	if org.ID == "" {
		org.ID = model.NewInternalID()
	}
	if err := e.store.CreateOrganization(ctx, org); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, validationErrorf("id", "organization %s exists", org.ID)
		}
		return nil, err
	}
	return org, nil
}

// CreateEnvironment creates an environment and publishes its limits.
func (e *Engine) CreateEnvironment(ctx context.Context, req EnvironmentRequest) (*model.Environment, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if _, err := e.store.GetOrganization(ctx, req.OrganizationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, validationErrorf("organizationId", "unknown organization %s", req.OrganizationID)
		}
		return nil, err
	}
	env := &model.Environment{
		ID:                      req.ID,
		OrganizationID:          req.OrganizationID,
		ProjectID:               req.ProjectID,
		Type:                    req.Type,
		MaximumConcurrencyLimit: req.MaximumConcurrencyLimit,
		CreatedAt:               e.now(),
	}
	if env.ID == "" {
		env.ID = model.NewInternalID()
	}
	if err := e.store.CreateEnvironment(ctx, env); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, validationErrorf("id", "environment %s exists", env.ID)
		}
		return nil, err
	}
	if _, err := e.UpdateEnvConcurrencyLimits(ctx, env.ID); err != nil {
		return nil, err
	}
	return env, nil
}

// SetEnvironmentConcurrencyLimit changes an environment's own limit. Nil
// falls back to the configured default.
func (e *Engine) SetEnvironmentConcurrencyLimit(ctx context.Context, envID string, limit *int) (*Limits, error) {
	if limit != nil && *limit < 0 {
		return nil, validationErrorf("limit", "must not be negative")
	}
	if err := e.store.UpdateEnvironmentConcurrencyLimit(ctx, envID, limit); err != nil {
		return nil, err
	}
	return e.UpdateEnvConcurrencyLimits(ctx, envID)
}

// UpdateEnvConcurrencyLimits recomputes and publishes the limits the queue
// admits an environment's runs against. The environment limit is its own
// override, then the configured default, then unlimited.
func (e *Engine) UpdateEnvConcurrencyLimits(ctx context.Context, envID string) (*Limits, error) {
	env, err := e.store.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	org, err := e.store.GetOrganization(ctx, env.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("organization of environment %s: %w", envID, err)
	}

	limits := &Limits{Organization: org.MaximumConcurrencyLimit, Environment: env.MaximumConcurrencyLimit}
	if limits.Environment == nil {
		limits.Environment = e.opts.DefaultEnvConcurrencyLimit
	}
	if err := e.queue.UpdateEnvConcurrencyLimits(ctx, org.ID, env.ID, limits.Organization, limits.Environment); err != nil {
		return nil, err
	}
	e.logger.Info("concurrency limits updated", "environment_id", env.ID,
		"organization_limit", fmtLimit(limits.Organization), "environment_limit", fmtLimit(limits.Environment))
	return limits, nil
}

func fmtLimit(l *int) string {
	if l == nil {
		return "unlimited"
	}
	return fmt.Sprint(*l)
}

// GlobalConcurrentRunCount is the number of runs holding a concurrency slot
// across deployed, or development, environments.
func (e *Engine) GlobalConcurrentRunCount(ctx context.Context, deployed bool) (int64, error) {
	return e.queue.GlobalConcurrentRunCount(ctx, deployed)
}
