package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/guardrail/internal/upstream"
)

// Report is a user report about a piece of content.
type Report struct {
	ReporterID  string         `json:"reporterId"`
	ContentID   string         `json:"contentId"`
	ContentType string         `json:"contentType,omitempty"`
	Reason      string         `json:"reason"`
	Details     map[string]any `json:"details,omitempty"`
}

func (r Report) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ReporterID, validation.Required),
		validation.Field(&r.ContentID, validation.Required),
		validation.Field(&r.Reason, validation.Required, validation.Length(1, 1000)),
	)
}

type ReportReceipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmitReport forwards a user report. Unlike AnalyzeContent it returns the
// error: a report that was not filed must not look filed.
func (c *Client) SubmitReport(ctx context.Context, report Report) (ReportReceipt, error) {
	if err := report.Validate(); err != nil {
		return ReportReceipt{}, fmt.Errorf("invalid report: %w", err)
	}

	var receipt ReportReceipt
	err := c.upstream.Call(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   ReportPath,
		Body:   report,
	}, &receipt)
	if err != nil {
		c.logger.Error("Report submission failed",
			slog.String("content_id", report.ContentID),
			slog.Any("err", err))
		return ReportReceipt{}, err
	}

	return receipt, nil
}
