package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

// writeError maps err to its HTTP status. Errors without a domain code are
// logged and reported as internal.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		span.SetStatus(otelcodes.Error, "internal error")
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    string(apperrors.CodeUnknown),
			Message: "internal error",
		}})
		return
	}
	status := domainErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		span.SetStatus(otelcodes.Error, string(domainErr.Code))
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(domainErr.Code)),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:     string(domainErr.Code),
		Message:  domainErr.Error(),
		Metadata: domainErr.Metadata,
	}})
}

// decodeBody reads a JSON request body into target. An empty body leaves
// target untouched when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, target any, optional bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body: "+err.Error(), err)
	}
	return nil
}

// notFoundAs turns a missing projection row into the entity's not found code.
func notFoundAs(err error, code apperrors.Code, entity, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.WithMetadata(code, entity+" "+id+" not found", map[string]string{entity + "_id": id})
	}
	return err
}

// parsePoint reads a seq and an RFC 3339 as_of. Empty values are unset.
func parsePoint(seqRaw, asOfRaw string) (snapshot.Point, error) {
	var point snapshot.Point
	if raw := strings.TrimSpace(seqRaw); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || seq == 0 {
			return snapshot.Point{}, apperrors.WithMetadata(apperrors.CodePointInvalid,
				"seq must be a positive integer", map[string]string{"seq": raw})
		}
		point.Seq = seq
	}
	if raw := strings.TrimSpace(asOfRaw); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return snapshot.Point{}, apperrors.WithMetadata(apperrors.CodePointInvalid,
				"as_of must be an RFC 3339 timestamp", map[string]string{"as_of": raw})
		}
		point.Time = at.UTC()
	}
	return point, nil
}
