package util

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pastelink/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func seq(codes ...byte) *bytes.Reader {
	var b []byte
	for _, c := range codes {
		b = append(b, bytes.Repeat([]byte{c}, domain.CodeLength)...)
	}
	return bytes.NewReader(b)
}

func accept(string) error { return nil }

func TestAssignFormat(t *testing.T) {
	g := NewCodeGenerator(func(context.Context, string) (bool, error) { return false, nil })
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		code, err := g.Assign(context.Background(), accept)
		require.NoError(t, err)
		require.Len(t, code, domain.CodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(domain.CodeAlphabet, r), "unexpected symbol %q", r)
		}
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 490)
}

func TestAssignSkipsTakenCodes(t *testing.T) {
	var checked []string
	g := NewCodeGenerator(func(_ context.Context, code string) (bool, error) {
		checked = append(checked, code)
		return code == "000000", nil
	}, WithRandReader(seq(0, 1)))

	code, err := g.Assign(context.Background(), accept)
	require.NoError(t, err)
	assert.Equal(t, "111111", code)
	assert.Equal(t, []string{"000000", "111111"}, checked)
}

func TestAssignExhaustedOnExistenceChecks(t *testing.T) {
	calls := 0
	hooked := 0
	g := NewCodeGenerator(func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	}, WithRandReader(zeroReader{}), WithExhaustedHook(func() { hooked++ }))

	_, err := g.Assign(context.Background(), accept)
	assert.ErrorIs(t, err, domain.ErrCapacityExhausted)
	assert.Equal(t, DefaultCodeAttempts, calls)
	assert.Equal(t, 1, hooked)
}

func TestAssignExistsError(t *testing.T) {
	boom := errors.New("db down")
	g := NewCodeGenerator(func(context.Context, string) (bool, error) { return false, boom })
	_, err := g.Assign(context.Background(), accept)
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))
}

func TestAssignRetriesOnCollision(t *testing.T) {
	g := NewCodeGenerator(nil, WithRandReader(seq(0, 1)))
	var tried []string
	code, err := g.Assign(context.Background(), func(code string) error {
		tried = append(tried, code)
		if code == "000000" {
			return errors.Wrap(domain.ErrCodeCollision, "insert")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "111111", code)
	assert.Equal(t, []string{"000000", "111111"}, tried)
}

func TestAssignStopsOnStoreError(t *testing.T) {
	boom := errors.New("disk full")
	g := NewCodeGenerator(nil)
	calls := 0
	_, err := g.Assign(context.Background(), func(string) error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestAssignExhausted(t *testing.T) {
	g := NewCodeGenerator(nil, WithRandReader(zeroReader{}), WithMaxAttempts(5))
	calls := 0
	_, err := g.Assign(context.Background(), func(string) error {
		calls++
		return domain.ErrCodeCollision
	})
	assert.ErrorIs(t, err, domain.ErrCapacityExhausted)
	assert.Equal(t, 5, calls)
}

func TestAssignHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewCodeGenerator(nil)
	_, err := g.Assign(ctx, func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
