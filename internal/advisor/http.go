package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

const SourceRemote = "advisor"

// HTTPAdvisor asks a remote advisory service over JSON/HTTP. Every failure,
// including a payload that does not validate, is reported as upstream
// unavailable so callers fall back.
type HTTPAdvisor struct {
	URL    string
	Client *http.Client
}

// NewHTTPAdvisor returns an advisor posting to url.
func NewHTTPAdvisor(url string, timeout time.Duration) *HTTPAdvisor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAdvisor{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type suggestRequest struct {
	Conflict model.Conflict `json:"conflict"`
	Event    model.Event    `json:"event"`
}

// rawSuggestion is the untyped payload the service returns. It is only
// accepted after conversion to model.Patch values.
type rawSuggestion struct {
	Action       string          `json:"action"`
	ShiftMinutes *int            `json:"shift_minutes,omitempty"`
	NewStart     *time.Time      `json:"new_start,omitempty"`
	NewEnd       *time.Time      `json:"new_end,omitempty"`
	Confidence   float64         `json:"confidence"`
	Rationale    string          `json:"rationale,omitempty"`
	Alternatives []rawSuggestion `json:"alternatives,omitempty"`
}

func (a *HTTPAdvisor) Suggest(ctx context.Context, c model.Conflict, ev model.Event) (Advice, error) {
	const op = "advisor.suggest"

	body, err := json.Marshal(suggestRequest{Conflict: c, Event: ev})
	if err != nil {
		return Advice{}, apperr.Upstream(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return Advice{}, apperr.Upstream(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "quietcal/1.0")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Advice{}, apperr.Upstream(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Advice{}, apperr.Upstream(op, errors.New(resp.Status))
	}

	var raw rawSuggestion
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return Advice{}, apperr.Upstream(op, fmt.Errorf("decode suggestion: %w", err))
	}
	advice, err := raw.advice(ev)
	if err != nil {
		return Advice{}, apperr.Upstream(op, err)
	}
	return advice, nil
}

func (r rawSuggestion) advice(ev model.Event) (Advice, error) {
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return Advice{}, fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	out := Advice{Confidence: r.Confidence, Source: SourceRemote, Rationale: r.Rationale}

	if !strings.EqualFold(r.Action, "alternatives") {
		p, err := r.patch(ev)
		if err != nil {
			return Advice{}, err
		}
		out.Patch = p
	}
	for i, alt := range r.Alternatives {
		p, err := alt.patch(ev)
		if err != nil {
			appLog.Warn("advisor: dropping invalid alternative", "index", i, "err", err.Error())
			continue
		}
		out.Alternatives = append(out.Alternatives, p)
	}
	if out.Patch == nil && len(out.Alternatives) == 0 {
		return Advice{}, errors.New("suggestion carries no usable action")
	}
	return out, nil
}

func (r rawSuggestion) patch(ev model.Event) (model.Patch, error) {
	switch strings.ToLower(strings.TrimSpace(r.Action)) {
	case string(model.ActionShift):
		if r.ShiftMinutes != nil {
			return model.Shift{Minutes: *r.ShiftMinutes}, nil
		}
		if r.NewStart != nil {
			return model.Shift{Minutes: int(math.Round(r.NewStart.Sub(ev.StartsAt).Minutes()))}, nil
		}
		return nil, errors.New("shift without shift_minutes or new_start")
	case string(model.ActionShorten):
		if r.NewEnd == nil {
			return nil, errors.New("shorten without new_end")
		}
		if !r.NewEnd.After(ev.StartsAt) {
			return nil, errors.New("shorten new_end not after event start")
		}
		return model.Shorten{NewEnd: r.NewEnd.UTC()}, nil
	case string(model.ActionCancel):
		return model.Cancel{}, nil
	case string(model.ActionFree):
		return model.MarkFree{}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", r.Action)
	}
}
