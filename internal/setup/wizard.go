package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/slewanld/AndroidAPS-sub001/internal/config"
	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/remote"
	"github.com/slewanld/AndroidAPS-sub001/internal/state"
)

// Verifier checks that the remote accepts the configured credentials.
// Implemented by [remote.Client].
type Verifier interface {
	RefreshToken(ctx context.Context) error
	Status(ctx context.Context) (model.ConnectionState, error)
}

// VerifierFunc builds a Verifier for a URL and access token.
type VerifierFunc func(url, token string) (Verifier, error)

// RemoteVerifier returns a VerifierFunc backed by [remote.New].
func RemoteVerifier(logger *slog.Logger) VerifierFunc {
	return func(url, token string) (Verifier, error) {
		return remote.New(remote.Options{BaseURL: url, AccessToken: token, Timeout: 15 * time.Second}, logger)
	}
}

var pollChoices = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	verify  VerifierFunc
	cfgPath string
}

// NewWizard creates a Wizard that writes its result to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, verify VerifierFunc, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		verify:  verify,
		cfgPath: cfgPath,
	}
}

// Run executes the interactive setup wizard and returns the written config.
// It returns (nil, nil) when the user keeps an existing config or aborts.
func (wiz *Wizard) Run(ctx context.Context) (*config.Config, error) {
	fmt.Fprintf(wiz.w, "\nWelcome to nssync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects nssync to your Nightscout site.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil, nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: remote connection.
	fmt.Fprintf(wiz.w, "Step 1/4: Remote Connection\n")

	remoteURL := wiz.prompt.String("Nightscout URL", "")
	token := wiz.prompt.Secret("Access token")

	fmt.Fprintf(wiz.w, "  Connecting...")
	conn, err := wiz.check(ctx, remoteURL, token)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return nil, fmt.Errorf("cannot reach remote: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓ (server %s)\n", conn.ServerVersion)
	if !conn.CanUpload() {
		fmt.Fprintf(wiz.w, "  ⚠ Uploads will not work: %s.\n", conn.Reason())
		if !wiz.prompt.Confirm("Continue with download-only access?", false) {
			return nil, nil
		}
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: poll interval.
	fmt.Fprintf(wiz.w, "Step 2/4: Poll Interval\n")

	options := make([]string, 0, len(pollChoices)+1)
	for _, d := range pollChoices {
		options = append(options, d.String())
	}
	options = append(options, "custom")
	idx, err := wiz.prompt.Select("How often should nssync sync?", options, 1)
	if err != nil {
		return nil, fmt.Errorf("reading poll interval: %w", err)
	}
	poll := 5 * time.Minute
	if idx < len(pollChoices) {
		poll = pollChoices[idx]
	} else {
		poll = wiz.prompt.Duration("Poll interval", poll, 30*time.Second, time.Hour)
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: options.
	fmt.Fprintf(wiz.w, "Step 3/4: Options\n")

	live := wiz.prompt.Confirm("Sync immediately when the remote reports changes?", true)
	defPath, err := state.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	statePath := wiz.prompt.String("State database", defPath)
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	cfg := &config.Config{
		RemoteURL:    remoteURL,
		AccessToken:  token,
		PollInterval: poll,
		LiveUpdates:  &live,
		StatePath:    statePath,
	}
	if err := cfg.Write(wiz.cfgPath); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  Run `nssync sync-once` to test, then `nssync daemon` to keep syncing.\n")

	wiz.logger.Info("setup complete", "config", wiz.cfgPath, "poll_interval", poll)
	return cfg, nil
}

// check exchanges the token and reads the connection state.
func (wiz *Wizard) check(ctx context.Context, remoteURL, token string) (model.ConnectionState, error) {
	v, err := wiz.verify(remoteURL, token)
	if err != nil {
		return model.ConnectionState{}, err
	}
	if err := v.RefreshToken(ctx); err != nil {
		return model.ConnectionState{}, err
	}
	conn, err := v.Status(ctx)
	if err != nil {
		return conn, err
	}
	if !conn.Authenticated {
		return conn, fmt.Errorf("token not accepted: %s", conn.Reason())
	}
	return conn, nil
}
