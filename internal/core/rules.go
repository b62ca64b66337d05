package core

import (
	"context"

	"sleecore/pkg/domain"
)

// NewDefaultRulesEngine returns an engine with the kernel's structural
// rules registered.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(entityTreeIntegrityRule{})
	engine.Register(attachmentIntegrityRule{})
	return engine
}

// entityTreeIntegrityRule blocks commits that orphan entities: a deleted
// entity with surviving children, a live entity whose parent is gone, or a
// deleted service whose root entities remain.
type entityTreeIntegrityRule struct{}

func (entityTreeIntegrityRule) Name() string { return "entity_tree_integrity" }

func (r entityTreeIntegrityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	block := func(entity domain.EntityType, id, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   entity,
			EntityID: id,
		})
	}
	for _, ch := range changes {
		switch ch.Entity {
		case domain.EntityManaged:
			if ch.Action == domain.ActionDelete {
				before, ok := ch.Before.(domain.EntityRecord)
				if !ok {
					continue
				}
				if _, reborn := view.FindEntity(ch.Key); reborn {
					continue
				}
				for _, child := range before.ChildIDs {
					if _, ok := view.FindEntity(child); ok {
						block(domain.EntityManaged, ch.Key, "removed entity has surviving child "+child)
					}
				}
				continue
			}
			rec, ok := view.FindEntity(ch.Key)
			if !ok || rec.ParentID == "" {
				continue
			}
			if _, ok := view.FindEntity(rec.ParentID); !ok {
				block(domain.EntityManaged, ch.Key, "parent "+rec.ParentID+" does not exist")
			}
		case domain.EntityService:
			if ch.Action != domain.ActionDelete {
				continue
			}
			before, ok := ch.Before.(domain.ServiceRecord)
			if !ok {
				continue
			}
			for _, rootID := range before.Children {
				if _, ok := view.FindEntity(rootID); ok {
					block(domain.EntityService, ch.Key, "removed service has root entity "+rootID)
				}
			}
		}
	}
	return res, nil
}

// attachmentIntegrityRule warns about activity contexts referencing entities
// that no longer exist.
type attachmentIntegrityRule struct{}

func (attachmentIntegrityRule) Name() string { return "attachment_integrity" }

func (r attachmentIntegrityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, ch := range changes {
		if ch.Entity != domain.EntityActivityContext || ch.Action == domain.ActionDelete {
			continue
		}
		after, ok := ch.After.(domain.ActivityContextRecord)
		if !ok {
			continue
		}
		rec, ok := view.FindActivityContext(after.Handle)
		if !ok {
			continue
		}
		for _, id := range rec.Attachments {
			if _, ok := view.FindEntity(id); !ok {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     r.Name(),
					Severity: domain.SeverityWarn,
					Message:  "attached entity " + id + " does not exist",
					Entity:   domain.EntityActivityContext,
					EntityID: ch.Key,
				})
			}
		}
	}
	return res, nil
}
