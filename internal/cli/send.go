package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/plumbtool/plumb/pkg/config"
	"github.com/plumbtool/plumb/pkg/engine"
	"github.com/plumbtool/plumb/pkg/fetch"
	"github.com/plumbtool/plumb/pkg/message"
	"github.com/plumbtool/plumb/pkg/notify"
	"github.com/plumbtool/plumb/pkg/rules"
)

const cmdExamples = `  # Plumb a URL:
  plumb https://example.com/talk.pdf url

  # Guess the kind of the message:
  plumb --guess "some text or url"

  # Read the message data from stdin:
  xclip -o | plumb - --guess

  # Use a specific rules file:
  plumb --rules ./my.rules https://example.com url

  # Print the detected MIME type of the message and exit:
  plumb --print-mimetype https://example.com/pic.png url`

type SendArgs struct {
	*RootArgs

	Data          string
	Kind          string
	ConfigPath    string
	RulesPath     string
	Guess         bool
	PrintMimetype bool
	WriteConfig   bool
	ShowConfig    bool
}

func NewSendArgs(rootArgs *RootArgs) *SendArgs {
	return &SendArgs{
		RootArgs: rootArgs,
	}
}

func (sa *SendArgs) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&sa.ConfigPath, "config", "", "Path to the plumb configuration file")
	cmd.Flags().StringVar(&sa.RulesPath, "rules", "", "Path to the rules file, overriding the configuration")
	cmd.Flags().BoolVarP(&sa.Guess, "guess", "g", false, "Guess the kind of the message")
	cmd.Flags().BoolVar(&sa.PrintMimetype, "print-mimetype", false, "Detect and print the MIME type of the message data, then exit")
	cmd.Flags().BoolVar(&sa.WriteConfig, "write-config", false, "Write the default configuration files and exit")
	cmd.Flags().BoolVar(&sa.ShowConfig, "show-config", false, "Print the active configuration and exit")

	err := cmd.MarkFlagFilename("config", "yaml", "yml")
	if err != nil {
		panic(fmt.Errorf("mark config flag: %w", err))
	}

	err = cmd.MarkFlagFilename("rules")
	if err != nil {
		panic(fmt.Errorf("mark rules flag: %w", err))
	}
}

func NewSendCmd(sa *SendArgs) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "send [message] [kind]",
		Short:             "Default command, matches a message against the rules and dispatches actions",
		Example:           cmdExamples,
		Args:              cobra.MaximumNArgs(2),
		ValidArgsFunction: sendCompletion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				sa.Data = args[0]
			}
			if len(args) > 1 {
				sa.Kind = args[1]
			}

			return send(cmd, sa)
		},
	}
	sa.AddFlags(cmd)

	bindEnvVars(cmd)

	return cmd
}

func sendCompletion(_ *cobra.Command, args []string, _ string) ([]cobra.Completion, cobra.ShellCompDirective) {
	// Second argument: kind completion.
	if len(args) == 1 {
		return message.AllKinds, cobra.ShellCompDirectiveNoFileComp
	}

	return nil, cobra.ShellCompDirectiveDefault
}

func send(cmd *cobra.Command, sa *SendArgs) error {
	configPath := sa.ConfigPath
	if configPath == "" {
		configPath = config.GetPath()
	}

	err := config.WriteDefaultConfig(configPath, false)
	if err != nil {
		slog.Error("write default config", slog.Any("err", err))
	}
	if sa.WriteConfig {
		// Exit early after writing the default config.
		// Also, if there was an error, it should be fatal.
		return err
	}

	cfg := config.NewConfig()

	cl, err := config.NewConfigLoaderFromFile(configPath)
	if err != nil {
		slog.Warn("could not read config, using defaults", slog.Any("err", err))
	} else {
		err = cl.Validate()
		if err != nil {
			return fmt.Errorf("invalid config %q: %w", configPath, err)
		}

		cfg, err = cl.Load()
		if err != nil {
			return fmt.Errorf("invalid config %q: %w", configPath, err)
		}
	}

	if sa.ShowConfig {
		slog.Info("active configuration", slog.String("path", configPath))

		yamlBytes, err := cfg.MarshalYAML()
		if err != nil {
			return fmt.Errorf("marshal config yaml: %w", err)
		}

		mustN(fmt.Fprintln(cmd.OutOrStdout(), string(yamlBytes)))

		return nil
	}

	msg, err := buildMessage(cmd, sa)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: cfg.GetTimeout()}

	if sa.PrintMimetype {
		det := message.NewDetector(client)

		t, err := det.Detect(cmd.Context(), msg.Kind(), msg.Data())
		if err != nil {
			return fmt.Errorf("detect mimetype: %w", err)
		}

		mustN(fmt.Fprintln(cmd.OutOrStdout(), t))

		return nil
	}

	rulesPath := sa.RulesPath
	if rulesPath == "" {
		rulesPath = cfg.RulesFile
	}

	rs, err := rules.Load(rulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	slog.Debug("rules parsed",
		slog.String("path", rulesPath),
		slog.Int("count", len(rs)),
	)

	fetchOpts := []fetch.FetcherOpt{fetch.WithClient(client)}
	if cfg.DownloadDir != "" {
		fetchOpts = append(fetchOpts, fetch.WithDir(cfg.DownloadDir))
	}

	e, err := engine.New(
		engine.WithRules(rs),
		engine.WithMaxDepth(cfg.MaxPlumbDepth),
		engine.WithHTTPClient(client),
		engine.WithDownloader(fetch.NewFetcher(fetchOpts...)),
		engine.WithNotifier(notify.NewNotifier(cfg.GetNotifications())),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	matched, err := e.Handle(cmd.Context(), msg)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	if !matched {
		slog.Info("no rule matched the message")
	}

	return nil
}

// buildMessage assembles the message from CLI arguments, reading data from
// stdin when the message argument is `-`.
func buildMessage(cmd *cobra.Command, sa *SendArgs) (*message.Message, error) {
	if sa.Data == "" {
		return nil, fmt.Errorf("missing message argument")
	}

	// The kind is either guessed or given, never both.
	if sa.Guess && sa.Kind != "" {
		return nil, fmt.Errorf("cannot combine --guess with a kind argument")
	}

	data := []byte(sa.Data)

	if sa.Data == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}

		data = b
	}

	if sa.Guess {
		kind, s := message.Guess(data)

		slog.Debug("guessed kind", slog.String("kind", string(kind)))

		return message.New(kind, s), nil
	}

	if sa.Kind == "" {
		return nil, fmt.Errorf("missing kind argument (or pass --guess), one of: %s", message.AllKinds)
	}

	kind, err := message.ParseKind(sa.Kind)
	if err != nil {
		return nil, err
	}

	return message.New(kind, string(data)), nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func mustN(_ int, err error) {
	must(err)
}
