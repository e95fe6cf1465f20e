package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/piyushrkc/Hospital-Clinic-Management/internal/domain/records"
)

// Propagator mirrors a bill's links onto the referenced clinical records.
// Every link write is recorded as an intent before the fan-out runs, so a
// crash mid-propagation leaves a replayable trail instead of a dangling
// reference.
type Propagator struct {
	records records.Repository
	intents IntentRepository
	logger  zerolog.Logger
}

func NewPropagator(rec records.Repository, intents IntentRepository, logger zerolog.Logger) *Propagator {
	return &Propagator{records: rec, intents: intents, logger: logger}
}

func intentsFor(billID uuid.UUID, action LinkAction, patientID uuid.UUID, links BillLinks) []*LinkIntent {
	var out []*LinkIntent
	add := func(entityType string, entityID uuid.UUID) {
		out = append(out, &LinkIntent{BillID: billID, Action: action, EntityType: entityType, EntityID: entityID})
	}
	add(EntityPatient, patientID)
	if links.AppointmentID != nil {
		add(EntityAppointment, *links.AppointmentID)
	}
	for _, id := range links.LabTestIDs {
		add(EntityLabTest, id)
	}
	for _, id := range links.PrescriptionIDs {
		add(EntityPrescription, id)
	}
	return out
}

// Attach stamps the bill's id onto every linked record. Failures on
// individual records do not undo the others; they are reported so the caller
// can surface a warning and retry through Reconcile.
func (p *Propagator) Attach(ctx context.Context, b *Bill) error {
	return p.run(ctx, intentsFor(b.ID, ActionAttach, b.PatientID, b.Links()))
}

// Detach removes the bill's id from every linked record. Called after a bill
// is deleted, so a record still pointing at it afterwards is an error.
func (p *Propagator) Detach(ctx context.Context, b *Bill) error {
	return p.run(ctx, intentsFor(b.ID, ActionDetach, b.PatientID, b.Links()))
}

func (p *Propagator) run(ctx context.Context, intents []*LinkIntent) error {
	if len(intents) == 0 {
		return nil
	}
	if err := p.intents.Record(ctx, intents); err != nil {
		// The primary write already committed; report every link as
		// unpropagated instead of failing the whole operation.
		p.logger.Error().Err(err).Str("bill_id", intents[0].BillID.String()).
			Msg("failed to record link intents")
		failed := make([]PropagationFailure, 0, len(intents))
		for _, in := range intents {
			failed = append(failed, PropagationFailure{
				EntityType: in.EntityType,
				EntityID:   in.EntityID,
				Reason:     err.Error(),
			})
		}
		return &PartialPropagationError{BillID: intents[0].BillID, Failed: failed}
	}
	return p.replay(ctx, intents)
}

// Reconcile replays every pending intent for a bill. Each link write is
// idempotent, so replaying an intent that already landed is harmless.
func (p *Propagator) Reconcile(ctx context.Context, billID uuid.UUID) (int, error) {
	pending, err := p.intents.ListPending(ctx, billID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return len(pending), p.replay(ctx, pending)
}

func (p *Propagator) replay(ctx context.Context, intents []*LinkIntent) error {
	var (
		mu     sync.Mutex
		failed []PropagationFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, in := range intents {
		in := in
		g.Go(func() error {
			if err := p.apply(gctx, in); err != nil {
				if markErr := p.intents.MarkAttempted(ctx, in.ID); markErr != nil {
					p.logger.Error().Err(markErr).Str("intent_id", in.ID.String()).
						Msg("failed to record link attempt")
				}
				p.logger.Warn().Err(err).
					Str("bill_id", in.BillID.String()).
					Str("entity_type", in.EntityType).
					Str("entity_id", in.EntityID.String()).
					Msg("bill link propagation failed")
				mu.Lock()
				failed = append(failed, PropagationFailure{
					EntityType: in.EntityType,
					EntityID:   in.EntityID,
					Reason:     err.Error(),
				})
				mu.Unlock()
				return nil
			}
			return p.intents.MarkDone(ctx, in.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return &PartialPropagationError{BillID: intents[0].BillID, Failed: failed}
	}
	return nil
}

func (p *Propagator) apply(ctx context.Context, in *LinkIntent) error {
	switch {
	case in.Action == ActionAttach && in.EntityType == EntityPatient:
		return p.records.AddPatientBill(ctx, in.EntityID, in.BillID)
	case in.Action == ActionDetach && in.EntityType == EntityPatient:
		return p.records.RemovePatientBill(ctx, in.EntityID, in.BillID)
	case in.Action == ActionAttach && in.EntityType == EntityAppointment:
		return p.records.SetAppointmentBill(ctx, in.EntityID, in.BillID)
	case in.Action == ActionDetach && in.EntityType == EntityAppointment:
		return p.records.ClearAppointmentBill(ctx, in.EntityID, in.BillID)
	case in.Action == ActionAttach && in.EntityType == EntityLabTest:
		return p.records.SetLabTestBill(ctx, in.EntityID, in.BillID)
	case in.Action == ActionDetach && in.EntityType == EntityLabTest:
		return p.records.ClearLabTestBill(ctx, in.EntityID, in.BillID)
	case in.Action == ActionAttach && in.EntityType == EntityPrescription:
		return p.records.SetPrescriptionBill(ctx, in.EntityID, in.BillID)
	case in.Action == ActionDetach && in.EntityType == EntityPrescription:
		return p.records.ClearPrescriptionBill(ctx, in.EntityID, in.BillID)
	}
	return fmt.Errorf("unknown link intent %s/%s", in.Action, in.EntityType)
}
