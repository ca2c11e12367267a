package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "version conflict error",
			err:  ErrQuoteVersionConflict,
			want: true,
		},
		{
			name: "wrapped version conflict error",
			err:  fmt.Errorf("save quote: %w", ErrQuoteVersionConflict),
			want: true,
		},
		{
			name: "pricing hash mismatch is not a conflict",
			err:  ErrPricingHashMismatch,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsVersionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPricingHashMismatch(t *testing.T) {
	if !IsPricingHashMismatch(errors.Join(ErrPricingHashMismatch, errors.New("context"))) {
		t.Fatal("joined hash mismatch must be detected")
	}
	if IsPricingHashMismatch(ErrQuoteVersionConflict) {
		t.Fatal("version conflict must not be reported as hash mismatch")
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "idempotency already exists", err: ErrIdempotencyKeyAlreadyExists, want: true},
		{name: "idempotency hash mismatch", err: ErrIdempotencyHashMismatch, want: true},
		{name: "wrapped idempotency conflict", err: errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")), want: true},
		{name: "non idempotency error", err: ErrQuoteVersionConflict, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIdempotencyConflict(tt.err); got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}
