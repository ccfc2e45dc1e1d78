package storage

import (
	"fmt"
	"math"
	"strconv"

	"tokenbucket/internal/models"
)

// SQL backends store unsigned quantities in signed 64-bit columns. Values
// that do not fit are refused rather than wrapped.

func toInt64(field string, v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%s %d exceeds the signed 64-bit column range", field, v)
	}
	return int64(v), nil
}

func fromInt64(field string, v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%s %d is negative", field, v)
	}
	return uint64(v), nil
}

type stateRow struct {
	LastUpdated int64
	Tokens      int64
}

func stateToRow(s models.BucketState) (stateRow, error) {
	lu, err := toInt64("last_updated", s.LastUpdated)
	if err != nil {
		return stateRow{}, err
	}
	tokens, err := toInt64("tokens", s.Tokens)
	if err != nil {
		return stateRow{}, err
	}
	return stateRow{LastUpdated: lu, Tokens: tokens}, nil
}

func rowToState(r stateRow) (models.BucketState, error) {
	lu, err := fromInt64("last_updated", r.LastUpdated)
	if err != nil {
		return models.BucketState{}, err
	}
	tokens, err := fromInt64("tokens", r.Tokens)
	if err != nil {
		return models.BucketState{}, err
	}
	return models.BucketState{LastUpdated: lu, Tokens: tokens}, nil
}

type settingsRow struct {
	MaxTokens      int64
	StartingTokens int64
	RefillRate     int64
	RefillInterval int64
}

func settingsToRow(s models.Settings) (settingsRow, error) {
	var r settingsRow
	var err error
	if r.MaxTokens, err = toInt64("max_tokens", s.MaxTokens); err != nil {
		return r, err
	}
	if r.StartingTokens, err = toInt64("starting_tokens", s.StartingTokens); err != nil {
		return r, err
	}
	if r.RefillRate, err = toInt64("refill_rate", s.RefillRate); err != nil {
		return r, err
	}
	if r.RefillInterval, err = toInt64("refill_interval", s.RefillInterval); err != nil {
		return r, err
	}
	return r, nil
}

func rowToSettings(r settingsRow) (models.Settings, error) {
	var s models.Settings
	var err error
	if s.MaxTokens, err = fromInt64("max_tokens", r.MaxTokens); err != nil {
		return s, err
	}
	if s.StartingTokens, err = fromInt64("starting_tokens", r.StartingTokens); err != nil {
		return s, err
	}
	if s.RefillRate, err = fromInt64("refill_rate", r.RefillRate); err != nil {
		return s, err
	}
	if s.RefillInterval, err = fromInt64("refill_interval", r.RefillInterval); err != nil {
		return s, err
	}
	return s, nil
}

// parseUintField decodes one decimal field of a string-encoded record.
func parseUintField(fields map[string]string, name string) (uint64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("field %s missing", name)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return v, nil
}
