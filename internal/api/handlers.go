package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/clickroll/internal/ingest"
	"github.com/rcourtman/clickroll/internal/ratelimit"
	"github.com/rcourtman/clickroll/internal/store"
	"github.com/rcourtman/clickroll/internal/telemetry"
	"github.com/rcourtman/clickroll/internal/websocket"
)

// notifyCooldown bounds flag notifications to one per client per window.
const notifyCooldown = time.Hour

type clickRequest struct {
	LocalHour      int    `json:"localHour"`
	LocalWeekday   *int   `json:"localWeekday"`
	LocalMonth     *int   `json:"localMonth"`
	CountryCode    string `json:"countryCode"`
	TurnstileToken string `json:"turnstileToken"`
}

type clickResponse struct {
	Second       websocket.SlotCount   `json:"second"`
	Total        int64                 `json:"total"`
	LocalHour    *websocket.SlotCount  `json:"localHour,omitempty"`
	LocalWeekday *websocket.SlotCount  `json:"localWeekday,omitempty"`
	LocalMonth   *websocket.SlotCount  `json:"localMonth,omitempty"`
	Country      websocket.CountryStat `json:"country"`
	Milestone    int64                 `json:"milestone,omitempty"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"clients": r.hub.GetClientCount(),
	})
}

func (r *Router) handleClick(w http.ResponseWriter, req *http.Request) {
	var body clickRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 4096)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	ip := clientIP(req)
	status := r.guard.RecordClick(ip)

	if status.RequiresTurnstile {
		verified := body.TurnstileToken != "" && r.verifier.VerifyToken(req.Context(), body.TurnstileToken, ip)
		if !verified {
			telemetry.ChallengesRequired.Inc()
			telemetry.ClicksRejected.WithLabelValues("challenge").Inc()
			r.maybeNotifyFlagged(ip, status)
			writeJSON(w, http.StatusTooManyRequests, status)
			return
		}
		telemetry.VerificationResults.WithLabelValues("success").Inc()
		r.guard.ResetAfterVerification(ip)
		r.clearNotified(ip)
	}

	res, err := r.ingest.RecordClick(req.Context(), ingest.Click{
		LocalHour:    body.LocalHour,
		LocalWeekday: body.LocalWeekday,
		LocalMonth:   body.LocalMonth,
		Country:      countryFromRequest(req, body.CountryCode),
	})
	if err != nil {
		telemetry.ClicksRejected.WithLabelValues("store").Inc()
		log.Error().Err(err).Str("ip", ip).Msg("Failed to record click")
		writeJSONError(w, http.StatusInternalServerError, "click_rejected", "Click rejected, try again")
		return
	}

	writeJSON(w, http.StatusOK, clickResponse{
		Second:       res.Second,
		Total:        res.Total,
		LocalHour:    res.LocalHour,
		LocalWeekday: res.LocalWeekday,
		LocalMonth:   res.LocalMonth,
		Country:      res.Country,
		Milestone:    res.Milestone,
	})
}

// maybeNotifyFlagged tells the operator about a newly flagged client, at
// most once per cooldown window.
func (r *Router) maybeNotifyFlagged(ip string, status ratelimit.Status) {
	r.notifyMu.Lock()
	last, seen := r.notifiedAt[ip]
	now := time.Now()
	if seen && now.Sub(last) < notifyCooldown {
		r.notifyMu.Unlock()
		return
	}
	r.notifiedAt[ip] = now
	r.notifyMu.Unlock()

	r.mailer.NotifyGuardFlagged(ip, r.flagReason(status), status)
}

func (r *Router) clearNotified(ip string) {
	r.notifyMu.Lock()
	delete(r.notifiedAt, ip)
	r.notifyMu.Unlock()
}

func (r *Router) flagReason(status ratelimit.Status) string {
	switch {
	case status.SecondCount >= r.config.RateSecondThreshold:
		return "second threshold"
	case status.MinuteCount >= r.config.RateMinuteThreshold:
		return "minute threshold"
	case status.HourCount >= r.config.RateHourThreshold:
		return "hour threshold"
	case status.SustainedActivity:
		return "sustained activity"
	default:
		return "flagged"
	}
}

func (r *Router) handleBuckets(g store.Granularity) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		buckets, err := r.store.Buckets(req.Context(), g)
		if err != nil {
			log.Error().Err(err).Str("granularity", string(g)).Msg("Failed to read buckets")
			writeJSONError(w, http.StatusInternalServerError, "read_failed", "Failed to read counters")
			return
		}
		writeJSON(w, http.StatusOK, buckets)
	}
}

func (r *Router) handleBreakdowns(kind store.Breakdown) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		buckets, err := r.store.Breakdowns(req.Context(), kind)
		if err != nil {
			log.Error().Err(err).Str("breakdown", string(kind)).Msg("Failed to read breakdowns")
			writeJSONError(w, http.StatusInternalServerError, "read_failed", "Failed to read counters")
			return
		}
		writeJSON(w, http.StatusOK, buckets)
	}
}

func (r *Router) handleCountries(w http.ResponseWriter, req *http.Request) {
	countries, err := r.store.Countries(req.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read countries")
		writeJSONError(w, http.StatusInternalServerError, "read_failed", "Failed to read counters")
		return
	}
	writeJSON(w, http.StatusOK, countries)
}

func (r *Router) handleTotal(w http.ResponseWriter, req *http.Request) {
	total, err := r.store.Total(req.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read total")
		writeJSONError(w, http.StatusInternalServerError, "read_failed", "Failed to read counters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": total})
}

func (r *Router) handleTurnstileStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.guard.CheckStatus(clientIP(req)))
}

func (r *Router) handleTurnstileVerify(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 8192)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	ip := clientIP(req)
	ok := r.verifier.VerifyToken(req.Context(), body.Token, ip)
	if ok {
		telemetry.VerificationResults.WithLabelValues("success").Inc()
		r.guard.ResetAfterVerification(ip)
		r.clearNotified(ip)
	} else {
		telemetry.VerificationResults.WithLabelValues("failure").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

type donationRequestBody struct {
	Milestone int64  `json:"milestone"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Message   string `json:"message"`
}

func (r *Router) handleCreateDonationRequest(w http.ResponseWriter, req *http.Request) {
	var body donationRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 16*1024)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if body.Milestone <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_milestone", "Milestone must be positive")
		return
	}

	donation := store.DonationRequest{
		ID:        uuid.NewString(),
		Milestone: body.Milestone,
		CreatedAt: time.Now().UTC(),
		Country:   store.NormalizeCountry(countryFromRequest(req, "")),
		Name:      strings.TrimSpace(body.Name),
		Email:     strings.TrimSpace(body.Email),
		Message:   strings.TrimSpace(body.Message),
	}
	if err := r.store.InsertDonationRequest(req.Context(), donation); err != nil {
		log.Error().Err(err).Msg("Failed to store donation request")
		writeJSONError(w, http.StatusInternalServerError, "store_failed", "Failed to store donation request")
		return
	}

	r.mailer.NotifyDonationRequest(donation)
	writeJSON(w, http.StatusCreated, donation)
}

func (r *Router) handleListDonationRequests(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.DonationRequests(req.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list donation requests")
		writeJSONError(w, http.StatusInternalServerError, "read_failed", "Failed to list donation requests")
		return
	}
	if list == nil {
		list = []store.DonationRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// clientIP resolves the client address, honoring the first hop of
// X-Forwarded-For when present.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// countryFromRequest resolves the click's country: explicit body value
// first, then the CDN-resolved header, then the unknown sentinel.
func countryFromRequest(req *http.Request, bodyCode string) string {
	if code := strings.TrimSpace(bodyCode); code != "" {
		return code
	}
	if code := strings.TrimSpace(req.Header.Get("CF-IPCountry")); code != "" {
		return code
	}
	return store.CountryUnknown
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
