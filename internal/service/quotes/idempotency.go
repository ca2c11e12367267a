package quotes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	saveMethod            = "POST /api/v1/quotes/:id/save"

	failureCodeInvalid  = "invalid"
	failureCodeNotFound = "not_found"
)

type idempotencyErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type saveHandler func(context.Context, domain.SaveRequest) (domain.SaveResponse, error)

// withIdempotency защищает save от двойной отправки.
// Детерминированные исходы (успех, конфликт, несовпадение хеша, невалидный запрос) сохраняются для повторов.
// Временные ошибки освобождают ключ, чтобы явный повтор выполнился заново.
func (s *Service) withIdempotency(ctx context.Context, key string, req domain.SaveRequest, handler saveHandler) (domain.SaveResponse, error) {
	if s.idemRepo == nil {
		return handler(ctx, req)
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return domain.SaveResponse{}, fmt.Errorf("%w: %s", ErrInvalidRequest, domain.ErrIdempotencyKeyRequired)
	}

	reqHash, err := buildSaveRequestHash(saveMethod, req)
	if err != nil {
		s.logger.WithError(err).WithField("quote_id", req.QuoteID).Warn("failed to build idempotency request hash")
		return domain.SaveResponse{}, fmt.Errorf("build idempotency request hash: %w", err)
	}

	record, err := s.idemRepo.CreateProcessing(key, reqHash, s.now().Add(s.idemTTL))
	if err != nil {
		return s.replayIdempotency(err, record)
	}

	resp, runErr := handler(ctx, req)
	if runErr != nil {
		if isDeterministicFailure(runErr) {
			s.cacheIdempotencyFailure(key, runErr)
		} else {
			s.releaseIdempotencyKey(key)
		}
		return resp, runErr
	}

	if cacheErr := s.cacheIdempotencySuccess(key, resp); cacheErr != nil {
		s.logger.WithError(cacheErr).WithField("idempotency_key", key).Warn("failed to store idempotent save response")
	}
	return resp, nil
}

func (s *Service) replayIdempotency(createErr error, record domain.IdempotencyRecord) (domain.SaveResponse, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		s.metrics.RecordReplay("hash_mismatch")
		return domain.SaveResponse{}, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		s.metrics.RecordReplay(string(record.Status))
		switch record.Status {
		case domain.IdempotencyStatusDone:
			if len(record.ResponseBody) == 0 {
				return domain.SaveResponse{}, errors.New("idempotency cache is empty")
			}
			var resp domain.SaveResponse
			if err := json.Unmarshal(record.ResponseBody, &resp); err != nil {
				s.logger.WithError(err).WithField("idempotency_key", record.Key).Warn("failed to decode cached save response")
				return domain.SaveResponse{}, fmt.Errorf("decode cached save response: %w", err)
			}
			return resp, nil
		case domain.IdempotencyStatusProcessing:
			return domain.SaveResponse{}, ErrSaveInProgress
		case domain.IdempotencyStatusFailed:
			return domain.SaveResponse{}, decodeIdempotencyFailure(record)
		default:
			return domain.SaveResponse{}, fmt.Errorf("unknown idempotency record status %q", record.Status)
		}
	default:
		s.logger.WithError(createErr).Warn("failed to create idempotency record")
		return domain.SaveResponse{}, fmt.Errorf("create idempotency record: %w", createErr)
	}
}

func (s *Service) cacheIdempotencySuccess(key string, resp domain.SaveResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.idemRepo.MarkDone(key, data, ResponseStatus(resp))
}

func (s *Service) cacheIdempotencyFailure(key string, runErr error) {
	code, httpStatus := failureCodeInvalid, http.StatusBadRequest
	if errors.Is(runErr, domain.ErrQuoteNotFound) {
		code, httpStatus = failureCodeNotFound, http.StatusNotFound
	}

	payload, err := json.Marshal(idempotencyErrorPayload{Code: code, Message: runErr.Error()})
	if err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to encode idempotency failure payload")
		payload = nil
	}
	if err := s.idemRepo.MarkFailed(key, payload, httpStatus); err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotency failure response")
	}
}

func (s *Service) releaseIdempotencyKey(key string) {
	if err := s.idemRepo.Release(key); err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to release idempotency key")
		return
	}
	s.metrics.RecordKeyReleased()
	s.logger.WithFields(log.Fields{"idempotency_key": key}).Debug("idempotency key released after transient failure")
}

func decodeIdempotencyFailure(record domain.IdempotencyRecord) error {
	var payload idempotencyErrorPayload
	if len(record.ResponseBody) > 0 {
		_ = json.Unmarshal(record.ResponseBody, &payload)
	}
	if payload.Code == "" {
		switch record.HTTPStatus {
		case http.StatusNotFound:
			payload.Code = failureCodeNotFound
		default:
			payload.Code = failureCodeInvalid
		}
	}

	switch payload.Code {
	case failureCodeNotFound:
		return domain.ErrQuoteNotFound
	default:
		msg := strings.TrimPrefix(payload.Message, ErrInvalidRequest.Error()+": ")
		if msg == "" || msg == ErrInvalidRequest.Error() {
			msg = "previous request with the same idempotency key failed"
		}
		return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
	}
}

func isDeterministicFailure(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, domain.ErrQuoteNotFound)
}

// ResponseStatus возвращает HTTP-статус для ответа save endpoint.
func ResponseStatus(resp domain.SaveResponse) int {
	switch {
	case resp.Success:
		return http.StatusOK
	case resp.Reason == domain.SaveReasonConflict:
		return http.StatusConflict
	case resp.Reason == domain.SaveReasonHashMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type saveRequestFingerprint struct {
	QuoteID         string                   `json:"quoteId"`
	ExpectedVersion int64                    `json:"expectedVersion"`
	Content         domain.QuoteContent      `json:"content"`
	PricingHash     string                   `json:"pricingHash"`
	Resolution      *domain.ConflictDecision `json:"resolution,omitempty"`
}

func buildSaveRequestHash(method string, req domain.SaveRequest) (string, error) {
	data, err := json.Marshal(saveRequestFingerprint{
		QuoteID:         req.QuoteID,
		ExpectedVersion: req.ExpectedVersion,
		Content:         req.Content,
		PricingHash:     req.PricingHash,
		Resolution:      req.Resolution,
	})
	if err != nil {
		return "", err
	}

	payload := make([]byte, 0, len(method)+1+len(data))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, data...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
