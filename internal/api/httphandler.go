package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/goccy/go-json"
	"github.com/josephsvk/DRTA/internal/enroll"
	"github.com/josephsvk/DRTA/internal/ports"
	"github.com/josephsvk/DRTA/internal/totp"
	"github.com/josephsvk/DRTA/internal/types"
	"github.com/klauspost/compress/gzhttp"
	log "github.com/sirupsen/logrus"
)

const (
	maxBodyBytes  = 1 << 20
	formFileField = "file"
)

type Handler struct {
	Cfg      types.Config
	Verifier *totp.Verifier
	Engine   *enroll.Engine
	Store    ports.AllocationStore

	limiter *attemptLimiter
	proxies []netip.Prefix
}

func NewHandler(cfg types.Config, verifier *totp.Verifier, engine *enroll.Engine, store ports.AllocationStore) *Handler {
	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		log.WithError(err).Warn("ignoring trusted_proxies")
		proxies = nil
	}
	return &Handler{
		Cfg:      cfg,
		Verifier: verifier,
		Engine:   engine,
		Store:    store,
		limiter:  newAttemptLimiter(cfg.VerifyAttemptsPerMinute),
		proxies:  proxies,
	}
}

type verifyRequest struct {
	Code string `json:"code"`
}

// EnrollResponse is the record as returned to the enrolling device.
type EnrollResponse struct {
	DeviceName string `json:"deviceName"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	Location   string `json:"location"`
	Function   string `json:"function"`
	UniqueID   string `json:"uniqueId"`
}

// formResponse is the layout the device setup tool reads from
// /process-form-data.
type formResponse struct {
	Message string     `json:"message"`
	Data    formRecord `json:"data"`
}

type formRecord struct {
	DeviceName  string `json:"device_name"`
	IPv6Address string `json:"ipv6_address"`
	Port        int    `json:"port"`
	Location    string `json:"location"`
	Function    string `json:"function"`
	UniqueID    string `json:"unique_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /verify-totp", h.handleVerify)
	mux.HandleFunc("POST /enroll", h.handleEnroll)
	mux.HandleFunc("POST /process-form-data", h.handleFormData)
	mux.HandleFunc("GET /records", h.admin(h.handleListRecords))
	mux.HandleFunc("GET /records/{uniqueId}", h.admin(h.handleGetRecord))
	mux.HandleFunc("DELETE /records/{uniqueId}", h.admin(h.handleDeleteRecord))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return gzhttp.GzipHandler(mux)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)
	if !h.limiter.Allow(ip) {
		writeError(w, http.StatusTooManyRequests, "too_many_attempts", "too many verification attempts, retry later")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeRejection(w, err)
		return
	}
	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRejection(w, types.Reject(types.ReasonMalformedInput, err, "body must be {\"code\": \"123456\"}"))
		return
	}
	if err := h.Verifier.Check(req.Code); err != nil {
		log.WithField("ip", ip).Warn("TOTP verification failed")
		writeRejection(w, err)
		return
	}
	log.WithField("ip", ip).Info("TOTP verification succeeded")
	_ = writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeRejection(w, err)
		return
	}
	rec, err := h.enroll(r, body)
	if err != nil {
		writeRejection(w, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, EnrollResponse{
		DeviceName: rec.DeviceName,
		Address:    rec.Address,
		Port:       rec.Port,
		Location:   rec.Location,
		Function:   rec.Function,
		UniqueID:   rec.UniqueID,
	})
}

func (h *Handler) handleFormData(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	f, _, err := r.FormFile(formFileField)
	if err != nil {
		writeRejection(w, types.Reject(types.ReasonMalformedInput, err, "multipart field %q is required", formFileField))
		return
	}
	defer func() {
		_ = f.Close()
	}()
	body, err := io.ReadAll(f)
	if err != nil {
		writeRejection(w, types.Reject(types.ReasonMalformedInput, err, "cannot read uploaded file"))
		return
	}
	rec, err := h.enroll(r, body)
	if err != nil {
		writeRejection(w, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, formResponse{
		Message: "Data processed successfully",
		Data: formRecord{
			DeviceName:  rec.DeviceName,
			IPv6Address: rec.Address,
			Port:        rec.Port,
			Location:    rec.Location,
			Function:    rec.Function,
			UniqueID:    rec.UniqueID,
		},
	})
}

func (h *Handler) enroll(r *http.Request, body []byte) (types.EnrollmentRecord, error) {
	if h.Cfg.EnrollRequireTOTP {
		if err := h.Verifier.Check(r.Header.Get(types.TOTPHdrName)); err != nil {
			return types.EnrollmentRecord{}, err
		}
	}
	d, err := enroll.ParseDescriptor(body)
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	ctx := r.Context()
	if h.Cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Cfg.RequestTimeout)
		defer cancel()
	}
	return h.Engine.Enroll(ctx, d)
}

// admin guards the record endpoints. They do not exist without a configured
// token.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Cfg.AdminToken == "" {
			writeError(w, http.StatusNotFound, "not_found", "admin API is disabled")
			return
		}
		got := r.Header.Get(types.AdminHdrName)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []types.EnrollmentRecord{}
	}
	_ = writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.Get(r.Context(), r.PathValue("uniqueId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uniqueId")
	if err := h.Store.Delete(r.Context(), uid); err != nil {
		writeStoreError(w, err)
		return
	}
	log.WithField("uniqueId", uid).Info("enrollment deleted")
	w.WriteHeader(http.StatusNoContent)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		return nil, types.Reject(types.ReasonMalformedInput, err, "read error")
	}
	if len(body) == 0 {
		return nil, types.Reject(types.ReasonMalformedInput, nil, "empty body")
	}
	return body, nil
}

func writeRejection(w http.ResponseWriter, err error) {
	var rej *types.Rejection
	if !errors.As(err, &rej) {
		log.WithError(err).Error("unclassified error")
		rej = types.Reject(types.ReasonInternal, err, "")
	}
	writeError(w, rej.Status(), string(rej.Reason), rej.Message)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such enrollment")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeRejection(w, types.Reject(types.ReasonTimeout, err, ""))
	default:
		log.WithError(err).Error("store request failed")
		writeRejection(w, types.Reject(types.ReasonStoreUnavailable, err, ""))
	}
}

func writeError(w http.ResponseWriter, code int, reason, msg string) {
	_ = writeJSON(w, code, errorResponse{Error: reason, Message: msg})
}

// clientIP returns the peer address of r. X-Forwarded-For is only consulted
// when the peer is a trusted proxy, and then the rightmost hop that is not a
// trusted proxy wins, since everything left of it is client supplied.
func (h *Handler) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !h.trusted(host) {
		return host
	}
	hops := r.Header.Values("X-Forwarded-For")
	client := host
	for i := len(hops) - 1; i >= 0; i-- {
		parts := strings.Split(hops[i], ",")
		for j := len(parts) - 1; j >= 0; j-- {
			hop := strings.TrimSpace(parts[j])
			if hop == "" {
				continue
			}
			if _, err := netip.ParseAddr(hop); err != nil {
				return client
			}
			client = hop
			if !h.trusted(hop) {
				return hop
			}
		}
	}
	return client
}

func (h *Handler) trusted(host string) bool {
	if len(h.proxies) == 0 {
		return false
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range h.proxies {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
