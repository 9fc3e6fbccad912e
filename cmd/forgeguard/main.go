// Command forgeguard runs the governed build orchestration server and the
// operator-side query commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/forgeguard/forgeguard/internal/broadcast"
	"github.com/forgeguard/forgeguard/internal/config"
	"github.com/forgeguard/forgeguard/internal/llm"
	"github.com/forgeguard/forgeguard/internal/llm/providers/anthropic"
	"github.com/forgeguard/forgeguard/internal/llm/providers/openai"
	"github.com/forgeguard/forgeguard/internal/orchestrator"
	"github.com/forgeguard/forgeguard/internal/server"
	"github.com/forgeguard/forgeguard/internal/store"
)

type cli struct {
	Config  string `help:"Path to the YAML config file." short:"c" default:"forgeguard.yaml"`
	Verbose bool   `help:"Enable debug logging." short:"v"`

	Serve  serveCmd  `cmd:"" help:"Run the orchestration server."`
	Status statusCmd `cmd:"" help:"Query a build on a running server."`
}

type serveCmd struct{}

type statusCmd struct {
	BuildID string `arg:"" help:"Build id to query."`
	Server  string `help:"Server base URL." default:"http://localhost:8080"`
	Summary bool   `help:"Print the aggregated summary instead of the raw status."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("forgeguard"),
		kong.Description("Governed LLM build orchestration."),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	switch ctx.Command() {
	case "serve":
		ctx.FatalIfErrorf(runServe(c.Config, log))
	case "status <build-id>":
		ctx.FatalIfErrorf(runStatus(c.Status))
	default:
		ctx.FatalIfErrorf(fmt.Errorf("unknown command %s", ctx.Command()))
	}
}

func runServe(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client, err := buildLLMClient(cfg)
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := broadcast.NewHub(st)

	orch := orchestrator.New(orchestrator.Config{
		WorkspaceRoot:      cfg.Storage.WorkspaceRoot,
		MaxCostUSD:         cfg.Limits.MaxCostUSD,
		DefaultSpendCapUSD: cfg.Limits.DefaultSpendCapUSD,
		UserHourly:         cfg.Limits.UserHourly,
		UserConcurrent:     cfg.Limits.UserConcurrent,
		GitHubToken:        cfg.Git.GitHubToken,
		PushRetries:        cfg.Git.PushMaxRetries,
		Driver: orchestrator.DriverConfig{
			PauseThreshold:     cfg.Orchestra.PauseThreshold,
			PhaseTimeout:       cfg.Orchestra.PhaseTimeout(),
			PauseTimeout:       cfg.Orchestra.PauseTimeout(),
			LargeFileWarnBytes: cfg.Limits.LargeFileWarnBytes,
		},
	}, st, hub, client, log)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.ScanOrphans(runCtx); err != nil {
		log.Warn("orphan scan failed", "err", err)
	}
	go hub.Run(runCtx)
	go orch.Watch(runCtx, time.Minute)

	srv := server.New(server.Config{Addr: cfg.Server.Addr}, orch, hub, log)
	defer orch.Shutdown()
	return srv.ListenAndServe()
}

func buildLLMClient(cfg *config.Config) (*llm.Client, error) {
	client := llm.NewClient()
	registered := false

	if len(cfg.Keys.Anthropic) > 0 {
		pool, err := llm.NewKeyPool(cfg.Keys.Anthropic...)
		if err != nil {
			return nil, fmt.Errorf("anthropic key pool: %w", err)
		}
		client.Register(anthropic.New(pool))
		registered = true
	}
	if len(cfg.Keys.OpenAI) > 0 {
		pool, err := llm.NewKeyPool(cfg.Keys.OpenAI...)
		if err != nil {
			return nil, fmt.Errorf("openai key pool: %w", err)
		}
		client.Register(openai.New(pool))
		registered = true
	}
	if !registered {
		return nil, fmt.Errorf("no provider keys configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	client.SetModel(llm.RoleBuilder, cfg.Models.Builder)
	client.SetModel(llm.RolePlanner, cfg.Models.Planner)
	client.SetModel(llm.RoleAuditor, cfg.Models.Auditor)
	client.SetModel(llm.RoleQuestionnaire, cfg.Models.Questionnaire)
	return client, nil
}

func runStatus(cmd statusCmd) error {
	path := "/builds/" + cmd.BuildID
	if cmd.Summary {
		path += "/summary"
	}
	resp, err := http.Get(cmd.Server + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
