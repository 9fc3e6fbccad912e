// Package gitops drives git as a subprocess inside a build workspace:
// init-or-clone, stage, commit with identity fallback, and push with
// bounded retry.
package gitops

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"time"
)

const (
	committerName  = "forgeguard"
	committerEmail = "forgeguard@local"

	pushAttempts     = 3
	pushInitialDelay = time.Second
	pushMaxDelay     = 30 * time.Second
	pushBackoff      = 2.0
)

// CommandError carries the full subprocess context for a failed git command.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

// Client runs git commands rooted at one working directory.
type Client struct {
	dir          string
	pushAttempts int
	sleep        func(context.Context, time.Duration) error
}

func NewClient(dir string) *Client {
	return &Client{dir: dir, pushAttempts: pushAttempts, sleep: sleepCtx}
}

// SetPushAttempts overrides the push retry budget.
func (c *Client) SetPushAttempts(n int) {
	if n > 0 {
		c.pushAttempts = n
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) run(args ...string) (string, string, error) {
	// Auto-maintenance off keeps frequent phase commits from spawning
	// background gc helpers.
	base := []string{
		"-C", c.dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// IsRepo reports whether the directory is inside a git work tree.
func (c *Client) IsRepo() bool {
	out, _, err := c.run("rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// InitOrClone prepares the working directory: clone target when it is a
// remote URL and the directory is not yet a repo, otherwise init in place.
func (c *Client) InitOrClone(target string) error {
	if c.IsRepo() {
		return nil
	}
	if isRemoteURL(target) {
		_, _, err := c.run("clone", target, ".")
		return err
	}
	_, _, err := c.run("init")
	return err
}

func isRemoteURL(target string) bool {
	return strings.HasPrefix(target, "https://") ||
		strings.HasPrefix(target, "ssh://") ||
		strings.HasPrefix(target, "git@")
}

// StageAll stages every change including deletions.
func (c *Client) StageAll() error {
	_, _, err := c.run("add", "-A")
	return err
}

// Commit records staged changes. When the host has no git identity the
// commit is retried once with an explicit committer, without mutating repo
// config.
func (c *Client) Commit(message string) (string, error) {
	_, _, err := c.run("commit", "--allow-empty", "-m", message)
	if err != nil {
		if isIdentityError(err) {
			_, _, err = c.run(
				"-c", "user.name="+committerName,
				"-c", "user.email="+committerEmail,
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return c.HeadSHA()
}

func isIdentityError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "Author identity unknown") ||
		strings.Contains(s, "Please tell me who you are") ||
		strings.Contains(s, "unable to auto-detect email address")
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch() (string, error) {
	out, _, err := c.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeadSHA returns the current HEAD commit.
func (c *Client) HeadSHA() (string, error) {
	out, _, err := c.run("rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// StatusPorcelain returns machine-readable status output.
func (c *Client) StatusPorcelain() (string, error) {
	out, _, err := c.run("status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

// IsClean reports whether the work tree has no pending changes.
func (c *Client) IsClean() (bool, error) {
	out, err := c.StatusPorcelain()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// SetRemote points the named remote at url, creating or updating it.
func (c *Client) SetRemote(name, url string) error {
	if _, _, err := c.run("remote", "get-url", name); err != nil {
		_, _, aerr := c.run("remote", "add", name, url)
		return aerr
	}
	_, _, err := c.run("remote", "set-url", name, url)
	return err
}

// Push pushes branch to remote with exponential backoff. Auth failures and
// invalid refs fail fast; transient transport errors are retried up to the
// configured attempt budget.
func (c *Client) Push(ctx context.Context, remote, branch string) error {
	seedBase := fmt.Sprintf("%s:%s:%s", c.dir, remote, branch)
	var lastErr error
	for attempt := 1; attempt <= c.pushAttempts; attempt++ {
		_, _, err := c.run("push", "-u", remote, branch)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryablePushError(err) {
			return err
		}
		if attempt == c.pushAttempts {
			break
		}
		delay := pushDelay(attempt, seedBase)
		if serr := c.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("push %s %s failed after %d attempts: %w", remote, branch, c.pushAttempts, lastErr)
}

// isRetryablePushError separates transient transport failures from errors a
// retry cannot fix.
func isRetryablePushError(err error) bool {
	s := strings.ToLower(err.Error())
	fatal := []string{
		"authentication failed",
		"permission denied",
		"could not read username",
		"invalid refspec",
		"does not match any",
		"repository not found",
		"invalid credentials",
	}
	for _, f := range fatal {
		if strings.Contains(s, f) {
			return false
		}
	}
	return true
}

func pushDelay(attempt int, seedBase string) time.Duration {
	baseMS := float64(pushInitialDelay.Milliseconds()) * math.Pow(pushBackoff, float64(attempt-1))
	baseMS = math.Min(baseMS, float64(pushMaxDelay.Milliseconds()))
	m := 0.5 + jitterUnit(fmt.Sprintf("%s:%d", seedBase, attempt))
	return time.Duration(baseMS * m * float64(time.Millisecond))
}

// jitterUnit maps a seed deterministically into [0,1), so retry timing is
// reproducible per build while still spreading load across builds.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
