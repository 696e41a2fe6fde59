// Пакет report — вывод плана и отчёта о запуске (text или json).
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bigkaa/usersync/internal/domain/model"
)

// Форматы вывода.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ErrUnknownFormat — неизвестный формат вывода.
var ErrUnknownFormat = errors.New("неизвестный формат вывода")

// ValidateFormat проверяет имя формата.
func ValidateFormat(format string) error {
	switch format {
	case FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("%q: %w", format, ErrUnknownFormat)
	}
}

// runDoc — JSON-представление RunReport.
type runDoc struct {
	RunID         string         `json:"run_id"`
	Realm         string         `json:"realm"`
	DryRun        bool           `json:"dry_run"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at"`
	DurationMs    int64          `json:"duration_ms"`
	DesiredCount  int            `json:"desired_count"`
	ObservedCount int            `json:"observed_count"`
	Applied       int            `json:"applied"`
	Skipped       int            `json:"skipped"`
	Failed        int            `json:"failed"`
	Aborted       bool           `json:"aborted"`
	AbortReason   string         `json:"abort_reason,omitempty"`
	Partial       []partialDoc   `json:"partial_observations,omitempty"`
	Operations    []operationDoc `json:"operations"`
	// Членство в группе GitLab
	Memberships     []operationDoc `json:"memberships,omitempty"`
	MembershipError string         `json:"membership_error,omitempty"`
}

type partialDoc struct {
	Username string `json:"username"`
	Error    string `json:"error"`
}

type operationDoc struct {
	Kind     string `json:"kind"`
	Username string `json:"username"`
	Detail   string `json:"detail,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// WriteRun выводит отчёт о запуске.
func WriteRun(w io.Writer, format string, r *model.RunReport) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, toRunDoc(r))
	case FormatText:
		return writeRunText(w, r)
	default:
		return ValidateFormat(format)
	}
}

// WritePlan выводит план без применения.
func WritePlan(w io.Writer, format string, plan model.Plan) error {
	switch format {
	case FormatJSON:
		ops := make([]operationDoc, 0, len(plan))
		for _, op := range plan {
			ops = append(ops, operationDoc{Kind: op.Kind.String(), Username: op.Username, Detail: op.Detail()})
		}
		return writeJSON(w, struct {
			Operations []operationDoc `json:"operations"`
		}{Operations: ops})
	case FormatText:
		return writePlanText(w, plan)
	default:
		return ValidateFormat(format)
	}
}

func toRunDoc(r *model.RunReport) runDoc {
	counts := r.Counts()
	doc := runDoc{
		RunID:         r.RunID,
		Realm:         r.Realm,
		DryRun:        r.DryRun,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		DurationMs:    r.Duration().Milliseconds(),
		DesiredCount:  r.DesiredCount,
		ObservedCount: r.ObservedCount,
		Applied:       counts.Applied,
		Skipped:       counts.Skipped,
		Failed:        counts.Failed,
		Aborted:       r.Aborted,
		AbortReason:   r.AbortReason,
		Operations:    make([]operationDoc, 0, len(r.Results)),
	}
	for _, p := range r.Partial {
		doc.Partial = append(doc.Partial, partialDoc{Username: p.Username, Error: errString(p.Err)})
	}
	for _, res := range r.Results {
		doc.Operations = append(doc.Operations, operationDoc{
			Kind:     res.Operation.Kind.String(),
			Username: res.Operation.Username,
			Detail:   res.Operation.Detail(),
			Outcome:  res.Outcome.String(),
			Reason:   res.Reason,
			Error:    errString(res.Err),
			Attempts: res.Attempts,
		})
	}
	for _, res := range r.Memberships {
		doc.Memberships = append(doc.Memberships, operationDoc{
			Kind:     res.Op.Kind.String(),
			Username: res.Op.Username,
			Detail:   res.Op.Detail(),
			Outcome:  res.Outcome.String(),
			Reason:   res.Reason,
			Error:    errString(res.Err),
			Attempts: res.Attempts,
		})
	}
	doc.MembershipError = errString(r.MembershipErr)
	return doc
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("кодирование отчёта: %w", err)
	}
	return nil
}

func writeRunText(w io.Writer, r *model.RunReport) error {
	counts := r.Counts()
	status := "completed"
	if r.Aborted {
		status = "aborted: " + r.AbortReason
	}
	if r.DryRun {
		status += " (dry-run)"
	}

	fmt.Fprintf(w, "run %s realm=%s %s\n", r.RunID, r.Realm, status)
	fmt.Fprintf(w, "desired=%d observed=%d duration=%s\n",
		r.DesiredCount, r.ObservedCount, r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "applied=%d skipped=%d failed=%d total=%d\n",
		counts.Applied, counts.Skipped, counts.Failed, counts.Total())

	for _, p := range r.Partial {
		fmt.Fprintf(w, "partial %s: %s\n", p.Username, errString(p.Err))
	}

	if len(r.Results) == 0 {
		fmt.Fprintln(w, "no operations")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tUSERNAME\tDETAIL\tOUTCOME\tNOTE")
		for _, res := range r.Results {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				res.Operation.Kind, res.Operation.Username, res.Operation.Detail(), res.Outcome, note(res.Reason, res.Err))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	return writeMembershipsText(w, r)
}

// writeMembershipsText выводит изменения членства в группе GitLab, если они были.
func writeMembershipsText(w io.Writer, r *model.RunReport) error {
	if r.MembershipErr != nil {
		_, err := fmt.Fprintf(w, "gitlab: %s\n", r.MembershipErr)
		return err
	}
	if len(r.Memberships) == 0 {
		return nil
	}

	counts := r.MembershipCounts()
	fmt.Fprintf(w, "gitlab applied=%d skipped=%d failed=%d total=%d\n",
		counts.Applied, counts.Skipped, counts.Failed, counts.Total())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tUSERNAME\tLEVEL\tOUTCOME\tNOTE")
	for _, res := range r.Memberships {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			res.Op.Kind, res.Op.Username, res.Op.Detail(), res.Outcome, note(res.Reason, res.Err))
	}
	return tw.Flush()
}

// note — текст ошибки или причина пропуска.
func note(reason string, err error) string {
	if err != nil {
		return err.Error()
	}
	return reason
}

func writePlanText(w io.Writer, plan model.Plan) error {
	if plan.Empty() {
		_, err := fmt.Fprintln(w, "no changes")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tUSERNAME\tDETAIL")
	for _, op := range plan {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", op.Kind, op.Username, op.Detail())
	}
	return tw.Flush()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
