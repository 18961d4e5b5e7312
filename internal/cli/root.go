// Package cli implements the mnemo CLI commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/talekeeper/mnemo/conversation"
	"github.com/talekeeper/mnemo/inference"
	"github.com/talekeeper/mnemo/memory"
	"github.com/talekeeper/mnemo/memory/backend"
	"github.com/talekeeper/mnemo/memory/embedder/mock"
	"github.com/talekeeper/mnemo/service"
)

var (
	dataDir     string
	backendKind string
	maxMessages int
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Persistent conversational memory for chat agents",
	Long: "mnemo manages per-entity conversational memory: durable conversation records,\n" +
		"pluggable storage backends (graph, vector, flatfile, disabled), retention, and\n" +
		"corruption recovery. Single binary, local storage.",
}

func init() {
	godotenv.Load()

	RootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "",
		"Data directory (default: $MNEMO_DATA or ~/.mnemo)")
	RootCmd.PersistentFlags().StringVarP(&backendKind, "backend", "b", "flatfile",
		"Memory backend kind: graph, vector, flatfile, disabled")
	RootCmd.PersistentFlags().IntVar(&maxMessages, "max-messages", 1000,
		"Retention cap per conversation (0 disables)")
}

func getDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if env := os.Getenv("MNEMO_DATA"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mnemo")
}

// app bundles the wired subsystem for one command invocation.
type app struct {
	store   *conversation.Store
	manager *memory.Manager
	svc     *service.Service
}

// openApp wires the store, manager, and service. The completer is the
// Anthropic API when ANTHROPIC_API_KEY is set, a local echo otherwise.
func openApp() (*app, error) {
	root := getDataDir()

	store, err := conversation.NewStore(filepath.Join(root, "conversations"), 0)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	cfg := &memory.Config{
		Kind:        memory.Kind(backendKind),
		DataDir:     filepath.Join(root, "entities"),
		MaxMessages: maxMessages,
	}
	if cfg.Kind == memory.KindVector {
		// Local deterministic embedder; swap for the onnx build for real
		// semantic search.
		cfg.Embedder = mock.New(0)
	}
	manager := memory.NewManager(cfg, backend.Open, nil)

	var completer inference.Completer
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		client := anthropic.NewClient(option.WithAPIKey(key))
		completer = inference.NewAnthropicCompleter(&client, inference.AnthropicConfig{
			Model: os.Getenv("MNEMO_MODEL"),
		})
	} else {
		completer = &inference.MockCompleter{}
	}

	retainer := memory.NewRetainer(maxMessages, 0)
	svc := service.New(store, manager, completer, retainer, service.Config{
		SystemContext: os.Getenv("MNEMO_SYSTEM_PROMPT"),
	})

	return &app{store: store, manager: manager, svc: svc}, nil
}

func (a *app) close() {
	if err := a.manager.CloseAll(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close backends: %v\n", err)
	}
	a.store.Close()
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
