package core

import (
	"context"
	"fmt"
	"time"

	"sleecore/pkg/domain"
)

// manage runs fn in its own transaction wrapped with tracing, metrics and an
// audit entry.
func (c *Container) manage(ctx context.Context, op string, action domain.Action, id domain.ServiceID, fn func(ctx context.Context, tx domain.Transaction) error) error {
	start := c.obs.clock.Now()
	err := c.obs.run(ctx, op, func(ctx context.Context) error {
		_, err := c.store.RunInTransaction(ctx, fn)
		return err
	})
	c.obs.recordAudit(ctx, op, action, id.String(), c.obs.clock.Now().Sub(start), err)
	if err == nil {
		c.obs.logger.Info("service "+op, "service", id.String())
	}
	return err
}

// InstallService creates the cached record of a registered service.
func (c *Container) InstallService(ctx context.Context, id domain.ServiceID) error {
	desc, ok := c.descriptor(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return c.manage(ctx, "install", domain.ActionCreate, id, func(ctx context.Context, tx domain.Transaction) error {
		if _, exists := tx.FindService(id); exists {
			return domain.ErrAlreadyExists{Entity: domain.EntityService, ID: id.String()}
		}
		_, err := NewService(ctx, &desc, true, c.ServiceDeps())
		return err
	})
}

// ActivateService moves an INACTIVE service to ACTIVE and starts its
// service activity.
func (c *Container) ActivateService(ctx context.Context, id domain.ServiceID) error {
	svc, err := c.Service(id)
	if err != nil {
		return err
	}
	return c.manage(ctx, "activate", domain.ActionUpdate, id, func(ctx context.Context, _ domain.Transaction) error {
		next, err := transition(id, svc.State(ctx), eventActivate)
		if err != nil {
			return err
		}
		if err := svc.SetState(ctx, next); err != nil {
			return err
		}
		if _, err := svc.StartActivity(ctx); err != nil {
			return err
		}
		return AddAfterCommitAction(ctx, func(context.Context) error {
			c.cancelGrace(id)
			return nil
		})
	})
}

// DeactivateService moves an ACTIVE service to STOPPING and ends its service
// activity. The service reaches INACTIVE once its entity trees drain or the
// grace period expires.
func (c *Container) DeactivateService(ctx context.Context, id domain.ServiceID) error {
	svc, err := c.Service(id)
	if err != nil {
		return err
	}
	err = c.manage(ctx, "deactivate", domain.ActionUpdate, id, func(ctx context.Context, _ domain.Transaction) error {
		next, err := transition(id, svc.State(ctx), eventDeactivate)
		if err != nil {
			return err
		}
		if err := svc.SetState(ctx, next); err != nil {
			return err
		}
		if err := svc.EndActivity(ctx); err != nil {
			return err
		}
		return AddAfterCommitAction(ctx, func(context.Context) error {
			c.armGrace(id)
			return nil
		})
	})
	if err != nil {
		return err
	}
	c.checkDrained(ctx)
	return nil
}

// UninstallService deletes the cached record of an INACTIVE service.
func (c *Container) UninstallService(ctx context.Context, id domain.ServiceID) error {
	svc, err := c.Service(id)
	if err != nil {
		return err
	}
	return c.manage(ctx, "uninstall", domain.ActionDelete, id, func(ctx context.Context, _ domain.Transaction) error {
		if state := svc.State(ctx); state != domain.ServiceInactive {
			return &InvalidTransitionError{Service: id, From: state, Event: "uninstall"}
		}
		return svc.Remove(ctx)
	})
}

// ServiceState reports the committed state of a registered service.
func (c *Container) ServiceState(ctx context.Context, id domain.ServiceID) (domain.ServiceState, error) {
	svc, err := c.Service(id)
	if err != nil {
		return "", err
	}
	return svc.State(ctx), nil
}

// checkDrained moves every STOPPING service whose trees and service activity
// are gone to INACTIVE.
func (c *Container) checkDrained(ctx context.Context) {
	for _, rec := range c.store.ListServices() {
		if rec.State != domain.ServiceStopping || len(rec.Children) > 0 {
			continue
		}
		if _, ok := c.store.GetActivityContext(domain.ServiceActivityHandle(rec.ID)); ok {
			continue
		}
		svc, err := c.Service(rec.ID)
		if err != nil {
			continue
		}
		id := rec.ID
		_, err = c.store.RunInTransaction(ctx, func(ctx context.Context, tx domain.Transaction) error {
			cur, ok := tx.FindService(id)
			if !ok || cur.State != domain.ServiceStopping || len(cur.Children) > 0 {
				return nil
			}
			if _, ok := tx.FindActivityContext(svc.ActivityHandle()); ok {
				return nil
			}
			next, err := transition(id, cur.State, eventDrained)
			if err != nil {
				return err
			}
			if err := svc.SetState(ctx, next); err != nil {
				return err
			}
			return AddAfterCommitAction(ctx, func(context.Context) error {
				c.cancelGrace(id)
				return nil
			})
		})
		if err != nil {
			c.obs.logger.Error("drain completion failed", "service", id.String(), "error", err)
			continue
		}
		c.obs.logger.Debug("service drained", "service", id.String())
	}
}

// armGrace starts the force-stop timer for id. A non-positive grace period
// disables it.
func (c *Container) armGrace(id domain.ServiceID) {
	grace := c.opts.stopGracePeriod
	if grace <= 0 {
		return
	}
	key := id.String()
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.timers[key] = time.AfterFunc(grace, func() {
		c.timersMu.Lock()
		delete(c.timers, key)
		c.timersMu.Unlock()
		c.forceStop(context.Background(), id)
	})
}

func (c *Container) cancelGrace(id domain.ServiceID) {
	key := id.String()
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
}

// forceStop removes whatever a STOPPING service still holds and sets it
// INACTIVE.
func (c *Container) forceStop(ctx context.Context, id domain.ServiceID) {
	svc, err := c.Service(id)
	if err != nil {
		return
	}
	var removed int
	err = c.obs.run(ctx, "force_stop", func(ctx context.Context) error {
		_, err := c.store.RunInTransaction(ctx, func(ctx context.Context, tx domain.Transaction) error {
			rec, ok := tx.FindService(id)
			if !ok || rec.State != domain.ServiceStopping {
				return nil
			}
			for name, rootID := range rec.Children {
				if _, ok := tx.FindEntity(rootID); ok {
					if err := c.factory.Remove(ctx, rootID); err != nil {
						return err
					}
					removed++
				}
				if err := svc.RemoveConvergenceName(ctx, name); err != nil {
					return err
				}
			}
			ac := &ActivityContext{handle: svc.ActivityHandle(), factory: c.activities}
			if err := ac.forceRemove(tx); err != nil {
				return err
			}
			next, err := transition(id, rec.State, eventDrained)
			if err != nil {
				return err
			}
			return svc.SetState(ctx, next)
		})
		return err
	})
	if err != nil {
		c.obs.logger.Error("force stop failed", "service", id.String(), "error", err)
		return
	}
	if removed > 0 {
		c.obs.logger.Warn("grace period expired, entity trees force-removed", "service", id.String(), "roots", removed)
	}
}
