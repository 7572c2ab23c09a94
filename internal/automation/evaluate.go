package automation

import (
	"context"
	"fmt"
	"time"

	"suasflow/internal/deadline"
	"suasflow/internal/domain"
)

// ProposedTask is a task a rule wants to exist. Anchor is the instant the
// qualifying condition started from; it identifies the condition instance.
type ProposedTask struct {
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	UnitID      string          `json:"unit_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority"`
	DueAt       time.Time       `json:"due_at"`
	Anchor      time.Time       `json:"anchor"`
}

// Evaluate returns the tasks rule proposes for snap at now. It has no side
// effects.
func Evaluate(rule domain.AutomationRule, snap domain.Snapshot, now time.Time) ([]ProposedTask, error) {
	return EvaluateContext(context.Background(), rule, snap, now)
}

// EvaluateContext is Evaluate that gives up with ctx.Err() once ctx is done.
func EvaluateContext(ctx context.Context, rule domain.AutomationRule, snap domain.Snapshot, now time.Time) ([]ProposedTask, error) {
	params, err := ParseParams(rule.Key, rule.Params)
	if err != nil {
		return nil, err
	}
	common := params.Common()
	propose := func(entityType, entityID, unitID, title, desc string, anchor time.Time) ProposedTask {
		return ProposedTask{
			EntityType:  entityType,
			EntityID:    entityID,
			UnitID:      unitID,
			Title:       title,
			Description: desc,
			Priority:    common.Prioridade,
			DueAt:       deadline.Add(now, common.PrazoDias, deadline.Days),
			Anchor:      anchor,
		}
	}

	var out []ProposedTask
	switch p := params.(type) {
	case CaseIdleParams:
		for _, c := range snap.Cases {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !c.Open() {
				continue
			}
			w := deadline.Compute(c.LastActivityAt, p.DiasSemMov, deadline.Days, now)
			if !w.Overdue {
				continue
			}
			days := deadline.FloorDays(w.Elapsed)
			out = append(out, propose(EntityCase, c.ID, c.UnitID,
				fmt.Sprintf("Caso sem movimentação há %d dias", days),
				fmt.Sprintf("Última movimentação em %s. Registrar atendimento ou justificar a ausência de movimentação.", c.LastActivityAt.Format("02/01/2006")),
				c.LastActivityAt))
		}
	case ReferralFeedbackParams:
		for _, r := range snap.Referrals {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !r.IsOverdue(now) {
				continue
			}
			w := r.Window(now)
			out = append(out, propose(EntityReferral, r.ID, r.UnitID,
				fmt.Sprintf("Cobrar devolutiva de %s", r.DestinationName),
				fmt.Sprintf("Encaminhamento (%s) com prazo de %d dias vencido em %s.", r.DestinationType, r.DeadlineDays, w.Deadline.Format("02/01/2006")),
				r.CreatedAt))
		}
	case ReferralRiskParams:
		window := time.Duration(p.JanelaHoras) * time.Hour
		for _, r := range snap.Referrals {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !r.Status.AwaitingFeedback() {
				continue
			}
			w := deadline.Compute(r.CreatedAt, r.DeadlineDays*24, deadline.Hours, now)
			if w.Overdue || w.Remaining > window {
				continue
			}
			out = append(out, propose(EntityReferral, r.ID, r.UnitID,
				fmt.Sprintf("Prazo do encaminhamento para %s vence em %.0fh", r.DestinationName, w.Remaining.Hours()),
				fmt.Sprintf("Prazo final em %s.", w.Deadline.Format("02/01/2006 15:04")),
				r.CreatedAt))
		}
	case PendingParams:
		switch rule.Key {
		case KeyCadUnicoPending:
			for _, pr := range snap.PreRegistrations {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if !pr.Pending() || !deadline.Overdue(pr.CreatedAt, p.LimiteDias, deadline.Days, now) {
					continue
				}
				out = append(out, propose(EntityPreRegistration, pr.ID, pr.UnitID,
					fmt.Sprintf("Pré-cadastro CadÚnico pendente há %d dias", deadline.DaysOpen(pr.CreatedAt, now)),
					"Concluir a entrevista do Cadastro Único ou registrar a pendência.",
					pr.CreatedAt))
			}
		case KeySCFVDropout:
			for _, sp := range snap.SCFV {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				// A participant who never attended is measured from enrollment.
				anchor := sp.LastAttendanceAt
				if anchor == nil {
					anchor = sp.EnrolledAt
				}
				if !sp.Active || anchor == nil {
					continue
				}
				if !deadline.Overdue(*anchor, p.LimiteDias, deadline.Days, now) {
					continue
				}
				title := fmt.Sprintf("Participante do SCFV sem frequência há %d dias", deadline.DaysOpen(*anchor, now))
				if sp.LastAttendanceAt == nil {
					title = fmt.Sprintf("Participante do SCFV inscrito há %d dias sem frequência", deadline.DaysOpen(*anchor, now))
				}
				if sp.Group != "" {
					title += " (" + sp.Group + ")"
				}
				out = append(out, propose(EntitySCFVParticipant, sp.ID, sp.UnitID, title,
					"Realizar busca ativa do participante.",
					*anchor))
			}
		}
	}
	return out, nil
}
