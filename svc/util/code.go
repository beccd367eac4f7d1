package util

import (
	"context"
	"crypto/rand"
	"io"
	"math/big"

	"pastelink/pkg/domain"

	"github.com/pkg/errors"
)

const DefaultCodeAttempts = 100

// ExistsFunc reports whether a code is already taken by any row, live or dead.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

type CodeGenerator struct {
	exists      ExistsFunc
	rand        io.Reader
	maxAttempts int
	onExhausted func()
}

type CodeOption func(*CodeGenerator)

func WithRandReader(r io.Reader) CodeOption {
	return func(g *CodeGenerator) { g.rand = r }
}
func WithMaxAttempts(n int) CodeOption {
	return func(g *CodeGenerator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithExhaustedHook registers a callback run every time the attempt budget
// runs out. Used for the capacity metric.
func WithExhaustedHook(fn func()) CodeOption {
	return func(g *CodeGenerator) { g.onExhausted = fn }
}

func NewCodeGenerator(exists ExistsFunc, opts ...CodeOption) *CodeGenerator {
	g := &CodeGenerator{
		exists:      exists,
		rand:        rand.Reader,
		maxAttempts: DefaultCodeAttempts,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Assign draws codes and hands them to insert until one is accepted. A code
// the existence check reports as taken is skipped without an insert. The
// check is advisory and the insert is the authority: an insert failing with
// domain.ErrCodeCollision consumes an attempt like a positive existence
// check does. Any other insert error is returned as is.
func (g *CodeGenerator) Assign(ctx context.Context, insert func(code string) error) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := g.draw()
		if err != nil {
			return "", err
		}
		if g.exists != nil {
			taken, err := g.exists(ctx, code)
			if err != nil {
				return "", errors.Wrap(err, "code existence check")
			}
			if taken {
				continue
			}
		}
		err = insert(code)
		if err == nil {
			return code, nil
		}
		if errors.Is(err, domain.ErrCodeCollision) {
			Debug().Int("attempt", attempt+1).Msg("code collided on insert, retrying")
			continue
		}
		return "", err
	}
	return "", g.exhausted()
}

func (g *CodeGenerator) exhausted() error {
	Error().Int("attempts", g.maxAttempts).Msg("code space exhausted, no free code found")
	if g.onExhausted != nil {
		g.onExhausted()
	}
	return domain.ErrCapacityExhausted
}

func (g *CodeGenerator) draw() (string, error) {
	max := big.NewInt(int64(len(domain.CodeAlphabet)))
	buf := make([]byte, domain.CodeLength)
	for i := range buf {
		n, err := rand.Int(g.rand, max)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		buf[i] = domain.CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
