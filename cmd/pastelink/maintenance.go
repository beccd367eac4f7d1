package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"pastelink/svc/auth"
	"pastelink/svc/svc"

	"github.com/pkg/errors"
)

// sweepReport deletes dead texts and prints one summary line. A failed
// stats query after a successful sweep is reported but not fatal.
func sweepReport(ctx context.Context, texts *svc.Text, out io.Writer, now func() time.Time) error {
	deleted, err := texts.Sweep(ctx)
	if err != nil {
		return err
	}
	stamp := now().Format("2006-01-02 15:04:05")
	st, err := texts.Stats(ctx)
	if err != nil {
		fmt.Fprintf(out, "[%s] deleted=%d stats=unavailable\n", stamp, deleted)
		return nil
	}
	fmt.Fprintf(out, "[%s] deleted=%d total=%d views=%d expiring=%d limited=%d\n",
		stamp, deleted, st.TotalRecords, st.TotalViews, st.ExpiringCount, st.LimitedCount)
	return nil
}

// hashPassword reads one line from in and writes its argon2id hash to out.
func hashPassword(in io.Reader, out io.Writer, hasher *auth.PasswordHasher) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "read password")
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password on stdin")
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
