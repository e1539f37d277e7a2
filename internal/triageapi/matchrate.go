package triageapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/matchrate"
)

const defaultDailyDays = 7

func parseScope(r *http.Request) (audit.Scope, error) {
	q := r.URL.Query()
	s := audit.Scope{Kind: audit.ScopeKind(q.Get("scope")), ID: q.Get("id")}
	return s, s.Validate()
}

// parseWindow reads window=today|7d|Nd, or an explicit from/to pair in RFC 3339.
func (a *API) parseWindow(r *http.Request) (audit.Window, error) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from != "" || to != "" {
		if from == "" || to == "" {
			return audit.Window{}, fmt.Errorf("%w: from and to must be given together", audit.ErrInvalidQuery)
		}
		f, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return audit.Window{}, fmt.Errorf("%w: from: %w", audit.ErrInvalidQuery, err)
		}
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return audit.Window{}, fmt.Errorf("%w: to: %w", audit.ErrInvalidQuery, err)
		}
		w := audit.Window{From: f, To: t}
		return w, w.Validate()
	}

	now := a.now()
	switch v := q.Get("window"); {
	case v == "" || v == "today":
		return a.rates.Today(now), nil
	case strings.HasSuffix(v, "d"):
		n, err := strconv.Atoi(strings.TrimSuffix(v, "d"))
		if err != nil || n < 1 || n > matchrate.MaxDays {
			return audit.Window{}, fmt.Errorf("%w: window %q", audit.ErrInvalidQuery, v)
		}
		return a.rates.LastNDays(now, n), nil
	default:
		return audit.Window{}, fmt.Errorf("%w: window %q", audit.ErrInvalidQuery, v)
	}
}

func (a *API) handleMatchRate(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		a.writeError(w, r, err, "invalid scope")
		return
	}
	window, err := a.parseWindow(r)
	if err != nil {
		a.writeError(w, r, err, "invalid window")
		return
	}

	res, err := a.rates.MatchRate(r.Context(), scope, window)
	if err != nil {
		a.writeError(w, r, err, "failed to compute match rate")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDaily(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		a.writeError(w, r, err, "invalid scope")
		return
	}
	days := defaultDailyDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid days %q", v))
			return
		}
		days = n
	}

	series, err := a.rates.Daily(r.Context(), scope, a.now(), days)
	if err != nil {
		a.writeError(w, r, err, "failed to compute daily match rates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": series})
}
