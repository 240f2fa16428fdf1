// Package di wires the gateway services with samber/do v2.
package di

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/do/v2"
)

// ConfigPathKey is the named key for the config path string.
const ConfigPathKey = "config.path"

// Container wraps the do.Injector holding every gateway service.
type Container struct {
	injector *do.RootScope
}

// NewContainer registers every service provider. Services are built lazily on
// first Invoke; Start builds and starts the background ones.
func NewContainer(configPath string) (*Container, error) {
	injector := do.New()
	do.ProvideNamedValue(injector, ConfigPathKey, configPath)
	RegisterSingletons(injector)
	return &Container{injector: injector}, nil
}

// Injector returns the underlying do.Injector for service resolution.
func (c *Container) Injector() *do.RootScope {
	return c.injector
}

// Invoke resolves a service from the container.
func Invoke[T any](c *Container) (T, error) {
	return do.Invoke[T](c.injector)
}

// MustInvoke resolves a service from the container or panics.
// Use this only during startup where errors are fatal.
func MustInvoke[T any](c *Container) T {
	return do.MustInvoke[T](c.injector)
}

// InvokeNamed resolves a named service from the container.
func InvokeNamed[T any](c *Container, name string) (T, error) {
	return do.InvokeNamed[T](c.injector, name)
}

// Start builds the service graph and starts the background loops: the quota
// reconciler, the health monitor, the usage worker and the config watcher.
// The watcher starts last so every reload hook is registered before it.
func (c *Container) Start(ctx context.Context) error {
	if _, err := do.Invoke[*AdmissionService](c.injector); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	quotaSvc := do.MustInvoke[*QuotaService](c.injector)
	if err := quotaSvc.Start(); err != nil {
		return err
	}
	do.MustInvoke[*HealthService](c.injector).Start()
	do.MustInvoke[*UsageService](c.injector).Start()
	do.MustInvoke[*ConfigService](c.injector).StartWatching(ctx)
	return nil
}

// Shutdown stops every service in reverse dependency order.
func (c *Container) Shutdown() error {
	report := c.injector.Shutdown()
	if report != nil && !report.Succeed {
		return fmt.Errorf("shutdown failed: %s", report.Error())
	}
	return nil
}

// ShutdownWithContext is Shutdown bounded by ctx.
func (c *Container) ShutdownWithContext(ctx context.Context) error {
	done := make(chan *do.ShutdownReport, 1)
	go func() {
		done <- c.injector.ShutdownWithContext(ctx)
	}()

	select {
	case report := <-done:
		if report != nil && !report.Succeed {
			return fmt.Errorf("shutdown failed: %s", report.Error())
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// HealthCheck verifies the core services resolve.
func (c *Container) HealthCheck() error {
	var errs []error
	if _, err := do.Invoke[*ConfigService](c.injector); err != nil {
		errs = append(errs, fmt.Errorf("config service unhealthy: %w", err))
	}
	if _, err := do.Invoke[*LedgerService](c.injector); err != nil {
		errs = append(errs, fmt.Errorf("ledger service unhealthy: %w", err))
	}
	if _, err := do.Invoke[*RouterService](c.injector); err != nil {
		errs = append(errs, fmt.Errorf("router service unhealthy: %w", err))
	}
	return errors.Join(errs...)
}
