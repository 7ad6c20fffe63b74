package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/ragclaw/internal/bus"
	"github.com/stellarlinkco/ragclaw/internal/config"
	"github.com/stellarlinkco/ragclaw/internal/gateway"
	"github.com/stellarlinkco/ragclaw/internal/llm"
	"github.com/stellarlinkco/ragclaw/internal/logging"
	"github.com/stellarlinkco/ragclaw/internal/persona"
)

var errNoAPIKey = errors.New("API key not set. Run 'ragclaw onboard' or set RAGCLAW_API_KEY / OPENAI_API_KEY")

// AgentOptions for running agent with custom dependencies
type AgentOptions struct {
	LLM     llm.Gateway
	Agent   string
	Message string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "ragclaw",
	Short: "ragclaw - layered retrieval assistant",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Talk to an agent in single message or REPL mode",
	RunE:  runAgent,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + cron)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and the default agent",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ragclaw status",
	RunE:  runStatus,
}

var (
	messageFlag   string
	agentFlag     string
	logToFileFlag bool
)

func init() {
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	agentCmd.Flags().StringVarP(&agentFlag, "agent", "a", "", "Agent to talk to (defaults to the configured agent)")
	gatewayCmd.Flags().BoolVar(&logToFileFlag, "log-file", false, "Also write logs to the default log file")
	rootCmd.AddCommand(agentCmd, gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runAgent is the command handler that uses default options
func runAgent(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(AgentOptions{Agent: agentFlag, Message: messageFlag})
}

// runAgentWithOptions runs the agent with injectable dependencies for testing
func runAgentWithOptions(opts AgentOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.LLM == nil && cfg.Provider.APIKey == "" {
		return errNoAPIKey
	}
	// Keep the REPL readable; warnings still surface.
	cfg.Log.Level = "warn"
	closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{LLM: opts.LLM, WithoutChannels: true})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Close()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	agent := opts.Agent
	if agent == "" {
		agent = cfg.Agents.Default
	}
	ask := func(text, chatID string) string {
		return gw.Handle(context.Background(), bus.InboundMessage{
			Channel:   "cli",
			SenderID:  "cli",
			ChatID:    chatID,
			AgentID:   agent,
			Content:   text,
			Timestamp: time.Now(),
		})
	}

	// Single message mode
	if opts.Message != "" {
		fmt.Fprintln(stdout, ask(opts.Message, "cli"))
		return nil
	}

	// REPL mode
	fmt.Fprintf(stdout, "ragclaw agent %s (type 'exit' to quit)\n", agent)
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		fmt.Fprintln(stdout, ask(input, "cli-repl"))
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return errNoAPIKey
	}

	if logToFileFlag && cfg.Log.File == "" {
		cfg.Log.File = logging.DefaultFile()
	}
	closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := persona.WriteDefault(cfg.Agents.Dir); err != nil {
		return fmt.Errorf("write default agent: %w", err)
	}

	fmt.Fprintf(out, "Agents ready: %s\n", cfg.Agents.Dir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set RAGCLAW_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'ragclaw agent -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s (embeddings: %s)\n", cfg.LLM.Model, cfg.LLM.EmbeddingModel)
	if cfg.Provider.BaseURL != "" {
		fmt.Fprintf(out, "Base URL: %s\n", cfg.Provider.BaseURL)
	}
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Data: %s\n", cfg.Storage.DBPath())
	fmt.Fprintf(out, "Telegram: enabled=%v agent=%s\n", cfg.Channels.Telegram.Enabled, cfg.AgentFor("telegram"))
	fmt.Fprintf(out, "WebUI: enabled=%v agent=%s\n", cfg.Channels.WebUI.Enabled, cfg.AgentFor("webui"))
	if cfg.Channels.WebUI.APIToken != "" {
		fmt.Fprintln(out, "WebUI API: token set")
	} else {
		fmt.Fprintln(out, "WebUI API: disabled (set channels.webui.apiToken)")
	}

	reg, err := persona.Load(cfg.Agents.Dir)
	if err != nil {
		fmt.Fprintf(out, "Agents: error (%v)\n", err)
		return nil
	}
	names := reg.Names()
	if len(names) == 0 {
		fmt.Fprintln(out, "Agents: none (run 'ragclaw onboard')")
		return nil
	}
	fmt.Fprintf(out, "Agents: %s (default %s)\n", strings.Join(names, ", "), cfg.Agents.Default)
	for _, name := range names {
		agent, _ := reg.Get(name)
		features := agent.Features()
		if len(features) == 0 {
			features = []string{"none"}
		}
		fmt.Fprintf(out, "  %s: %d layer(s), features: %s\n", name, len(agent.Layers.Layers), strings.Join(features, ", "))
	}
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
