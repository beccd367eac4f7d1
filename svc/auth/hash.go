package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"pastelink/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxPasswordLength = 1024
	defaultMinVerify  = 250 * time.Millisecond
)

// PasswordHasher produces argon2id PHC strings and verifies both those and
// bcrypt hashes. At most cap(sem) hashes are computed at once since each
// argon2 run holds its full memory cost.
type PasswordHasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	sem         chan struct{}
	minVerify   time.Duration
}

func NewPasswordHasher(concurrency int) *PasswordHasher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &PasswordHasher{
		iterations:  3,
		memory:      64 * 1024,
		parallelism: 2,
		keyLength:   32,
		sem:         make(chan struct{}, concurrency),
		minVerify:   defaultMinVerify,
	}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	h.sem <- struct{}{}
	defer func() { <-h.sem }()
	pwd := []byte(password)
	defer util.Wipe(pwd)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	hash := argon2.IDKey(pwd, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// Verify reports whether password matches encoded, which may be a bcrypt
// ($2a$, $2b$, $2y$) or argon2id hash. Every call takes at least minVerify.
func (h *PasswordHasher) Verify(password, encoded string) bool {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed < h.minVerify {
			time.Sleep(h.minVerify - elapsed)
		}
	}()
	if password == "" || len(password) > maxPasswordLength || encoded == "" {
		return false
	}
	h.sem <- struct{}{}
	defer func() { <-h.sem }()
	switch {
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password)) == nil
	case strings.HasPrefix(encoded, "$argon2id$"):
		return verifyArgon2id(password, encoded)
	default:
		return false
	}
}

func verifyArgon2id(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var mem, iters uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		return false
	}
	if mem == 0 || mem > 2*1024*1024 || iters == 0 || iters > 1000 || threads == 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 || len(want) > 256 {
		return false
	}
	pwd := []byte(password)
	defer util.Wipe(pwd)
	got := argon2.IDKey(pwd, salt, iters, mem, threads, uint32(len(want)))
	defer util.Wipe(got)
	return subtle.ConstantTimeCompare(want, got) == 1
}
