package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"bertemb/internal/client"
	"bertemb/internal/config"
	"bertemb/internal/domain"
	"bertemb/internal/model"
	"bertemb/internal/server"
	"bertemb/internal/service"
	"bertemb/internal/tui"
	"bertemb/internal/vectorstore"
)

// app carries the resolved configuration from the root command to its
// subcommands.
type app struct {
	cfgPath string
	cfg     *config.AppConfig

	modelPath     string
	tokenizerPath string
	pooling       string
	remote        string
	workers       int
}

func appendEnvDocs(cmd *cobra.Command, envs [][2]string) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e[0], e[1])
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the bertemb command tree.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "bertemb",
		Short:         "BERT sentence embeddings and similarity",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "Path to YAML config file (uses ./config.yaml or ~/.config/bertemb/config.yaml if not provided)")
	flags.StringVar(&a.modelPath, "model", "", "Path to a .safetensors or pytorch_model.bin checkpoint")
	flags.StringVar(&a.tokenizerPath, "tokenizer", "", "Path to tokenizer.json or vocab.txt, used for labels")
	flags.StringVar(&a.pooling, "pooling", "", "Pooling mode: mean or pooler")
	flags.StringVar(&a.remote, "remote", "", "Embed through a running bertemb server at this address")
	flags.IntVar(&a.workers, "workers", 0, "Number of inputs encoded in parallel")

	similarityCmd := &cobra.Command{
		Use:   "similarity INPUTS",
		Short: "Print the pairwise cosine similarity of the inputs",
		Args:  cobra.ExactArgs(1),
		RunE:  a.similarityHandler,
	}
	similarityCmd.Flags().Bool("json", false, "Write the report as JSON")

	searchCmd := &cobra.Command{
		Use:   "search CORPUS QUERIES",
		Short: "Rank the corpus inputs by similarity to each query",
		Args:  cobra.ExactArgs(2),
		RunE:  a.searchHandler,
	}
	searchCmd.Flags().IntP("top-k", "k", 0, "Number of results per query (default from config)")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the HTTP API",
		Args:    cobra.NoArgs,
		RunE:    a.serveHandler,
	}

	exploreCmd := &cobra.Command{
		Use:   "explore INPUTS",
		Short: "Browse the similarity of the inputs interactively",
		Args:  cobra.ExactArgs(1),
		RunE:  a.exploreHandler,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the hyperparameters of the model",
		Args:  cobra.NoArgs,
		RunE:  a.showHandler,
	}

	modelEnvs := [][2]string{
		{config.EnvModelPath, "Checkpoint path"},
		{config.EnvTokenizerPath, "Tokenizer path"},
		{config.EnvPooling, "Pooling mode (mean, pooler)"},
		{config.EnvRemote, "Address of a bertemb server to embed through"},
		{config.EnvWorkers, "Number of inputs encoded in parallel"},
		{config.EnvDebug, "Show additional debug information (e.g. BERT_EMB_DEBUG=1)"},
	}
	for _, cmd := range []*cobra.Command{similarityCmd, searchCmd, exploreCmd, showCmd} {
		appendEnvDocs(cmd, modelEnvs)
	}
	appendEnvDocs(serveCmd, append(modelEnvs,
		[2]string{config.EnvHost, "Listen address (default 127.0.0.1:11435)"},
		[2]string{config.EnvOrigins, "A comma separated list of allowed origins"},
	))

	rootCmd.AddCommand(similarityCmd, searchCmd, serveCmd, exploreCmd, showCmd)
	return rootCmd
}

// setup resolves the configuration: file, then environment, then flags.
func (a *app) setup(cmd *cobra.Command) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: config.LogLevel()})))

	var err error
	if a.cfgPath == "" {
		a.cfg, a.cfgPath, err = config.LoadDefault()
	} else {
		a.cfg, err = config.Load(a.cfgPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.ApplyEnv(a.cfg)

	if a.modelPath != "" {
		a.cfg.Model.Path = a.modelPath
	}
	if a.tokenizerPath != "" {
		a.cfg.Model.TokenizerPath = a.tokenizerPath
	}
	if a.pooling != "" {
		a.cfg.Model.Pooling = a.pooling
	}
	if a.remote != "" {
		a.cfg.Remote.URL = a.remote
	}
	if a.workers > 0 {
		a.cfg.Runtime.Workers = a.workers
	}
	slog.Debug("config", "path", a.cfgPath, "model", a.cfg.Model.Path, "workers", a.cfg.Runtime.Workers)
	return nil
}

// service assembles the encoder, vocabulary and vector store. The encoder is
// either the local checkpoint or a remote server.
func (a *app) service() (*service.EmbeddingServiceImpl, error) {
	var emb domain.Embedder
	var m *model.Model
	if a.cfg.Remote.URL != "" {
		c, err := client.NewClient(client.Config{
			BaseURL: a.cfg.Remote.URL,
			Timeout: time.Duration(a.cfg.Remote.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if _, err := c.Show(); err != nil {
			return nil, fmt.Errorf("remote %s: %w", a.cfg.Remote.URL, err)
		}
		emb = c
	} else {
		var err error
		if m, err = service.LoadModel(a.cfg.Model); err != nil {
			return nil, err
		}
		emb = m
	}
	v, err := service.LoadVocabulary(a.cfg.Model.TokenizerPath, m)
	if err != nil {
		return nil, err
	}
	st, err := vectorstore.New(a.cfg.VectorStore)
	if err != nil {
		return nil, err
	}
	return service.NewEmbeddingService(emb, st, v, a.cfg.Runtime.Workers), nil
}

func (a *app) similarityHandler(cmd *cobra.Command, args []string) error {
	inputs, err := service.LoadInputs(args[0])
	if err != nil {
		return err
	}
	svc, err := a.service()
	if err != nil {
		return err
	}
	report, err := svc.Similarity(cmd.Context(), inputs)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		n, _ := report.Matrix.Dims()
		rows := make([][]float64, n)
		for i := range rows {
			rows[i] = report.Matrix.RawRowView(i)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(server.SimilarityResponse{Labels: report.Labels, Similarity: rows})
	}

	writeSimilarityTable(cmd.OutOrStdout(), report)
	return nil
}

func writeSimilarityTable(w io.Writer, report *service.Report) {
	n := len(report.Labels)
	header := make([]string, n+1)
	data := make([][]string, n)
	for i, label := range report.Labels {
		header[i+1] = strconv.Itoa(i)
		row := make([]string, n+1)
		row[0] = fmt.Sprintf("%d %s", i, label)
		for j := 0; j < n; j++ {
			row[j+1] = strconv.FormatFloat(report.Matrix.At(i, j), 'f', 4, 64)
		}
		data[i] = row
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func (a *app) searchHandler(cmd *cobra.Command, args []string) error {
	corpus, err := service.LoadInputs(args[0])
	if err != nil {
		return err
	}
	queries, err := service.LoadInputs(args[1])
	if err != nil {
		return err
	}
	topK, _ := cmd.Flags().GetInt("top-k")
	if topK <= 0 {
		topK = a.cfg.VectorStore.TopK
	}

	svc, err := a.service()
	if err != nil {
		return err
	}
	if err := svc.Index(cmd.Context(), corpus); err != nil {
		return err
	}

	var data [][]string
	for i, q := range queries {
		results, err := svc.Query(q.TokenSequence, topK)
		if err != nil {
			return fmt.Errorf("query %d: %w", i, err)
		}
		label := svc.Label(q, i)
		for rank, r := range results {
			data = append(data, []string{label, strconv.Itoa(rank + 1), r.Label, strconv.FormatFloat(r.Score, 'f', 4, 64)})
		}
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"QUERY", "RANK", "MATCH", "SCORE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func (a *app) serveHandler(cmd *cobra.Command, _ []string) error {
	svc, err := a.service()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", a.cfg.Server.Host)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(svc, a.cfg.Server.AllowedOrigins()).Serve(ctx, ln)
}

func (a *app) exploreHandler(cmd *cobra.Command, args []string) error {
	inputs, err := service.LoadInputs(args[0])
	if err != nil {
		return err
	}
	svc, err := a.service()
	if err != nil {
		return err
	}
	report, err := svc.Similarity(cmd.Context(), inputs)
	if err != nil {
		return err
	}

	m := tui.New(report.Labels, report.Matrix, args[0])
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
	return err
}

func (a *app) showHandler(cmd *cobra.Command, _ []string) error {
	svc, err := a.service()
	if err != nil {
		return err
	}
	info := svc.Info()
	data := [][]string{
		{"model", info.Name},
		{"path", a.modelSource()},
		{"dimension", strconv.Itoa(info.Dimension)},
	}
	if hp := info.Hyperparameters; hp != nil {
		data = append(data,
			[]string{"layers", strconv.Itoa(hp.NumLayers)},
			[]string{"heads", strconv.Itoa(hp.NumHeads)},
			[]string{"head dim", strconv.Itoa(hp.HeadDim())},
			[]string{"context length", strconv.Itoa(hp.MaxContext)},
			[]string{"vocab size", strconv.Itoa(hp.VocabSize)},
			[]string{"pooling", string(hp.Pooling)},
		)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func (a *app) modelSource() string {
	if a.cfg.Remote.URL != "" {
		return a.cfg.Remote.URL
	}
	return a.cfg.Model.Path
}
