package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"echoscribe/answers"
	"echoscribe/config"
	"echoscribe/db"
	"echoscribe/pipeline"
	"echoscribe/queue"
	"echoscribe/realtime"
	"echoscribe/stt"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	liveCmd.Flags().
		Bool("realtime", false, "Stream over the realtime websocket instead of chunked REST calls")
	liveCmd.Flags().
		Int("chunk-size", 64*1024, "Bytes of audio per live chunk")
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(clearCmd)

	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().
		String("openai-model", config.DefaultTranscribeModel, "Transcription model")
	rootCmd.PersistentFlags().
		String("answer-model", config.DefaultAnswerModel, "Chat model for answer extraction")
	rootCmd.PersistentFlags().
		String("realtime-model", config.DefaultRealtimeModel, "Realtime streaming model")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	rootCmd.PersistentFlags().
		String("knowledge-file", "", "Text file with background knowledge for answers")

	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag(
		"openai_model",
		rootCmd.PersistentFlags().Lookup("openai-model"),
	)
	viper.BindPFlag(
		"answer_model",
		rootCmd.PersistentFlags().Lookup("answer-model"),
	)
	viper.BindPFlag(
		"realtime_model",
		rootCmd.PersistentFlags().Lookup("realtime-model"),
	)
	viper.BindPFlag(
		"database_url",
		rootCmd.PersistentFlags().Lookup("database-url"),
	)
	viper.BindPFlag(
		"knowledge_file",
		rootCmd.PersistentFlags().Lookup("knowledge-file"),
	)
}

func initConfig() {
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "echoscribe",
	Short: "Echoscribe turns recorded audio into transcripts and answers",
	Long:  `Echoscribe transcribes audio with OpenAI, spots the questions in the transcript, and drafts answers for them.`,
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audiofile>",
	Short: "Transcribe an audio file and extract answers",
	Args:  cobra.ExactArgs(1),
	Run:   runTranscribe,
}

var answerCmd = &cobra.Command{
	Use:   "answer <id>",
	Short: "Re-run answer extraction for a saved transcript",
	Args:  cobra.ExactArgs(1),
	Run:   runAnswer,
}

var liveCmd = &cobra.Command{
	Use:   "live <audiofile>",
	Short: "Replay an audio file through the live transcription path",
	Long:  `Feed an audio file chunk by chunk through the live pipeline, printing partial transcripts as they arrive, then run the final full-buffer pass.`,
	Args:  cobra.ExactArgs(1),
	Run:   runLive,
}

var listCmd = &cobra.Command{
	Use:   "ls",
	Short: "List saved transcripts",
	Run:   runList,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all saved transcripts",
	Run:   runClear,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTranscribe(cmd *cobra.Command, args []string) {
	mainLogger, sttLogger, _, dataLogger := createLoggers()

	blob, err := os.ReadFile(args[0])
	if err != nil {
		mainLogger.Fatal("read audio file", "error", err.Error())
	}

	creds := requireCredentials(mainLogger)
	ctx := context.Background()

	events := newAnswerEvents()
	p, _ := buildPipeline(ctx, creds, events, mainLogger, sttLogger, dataLogger)
	loadKnowledge(p, mainLogger)

	entry, err := p.Finalize(ctx, blob, mimeForPath(args[0]))
	if err != nil {
		mainLogger.Fatal("transcribe", "error", err.Error())
	}
	if entry.Text == "" {
		fmt.Println("No speech detected.")
		return
	}

	fmt.Printf("%s\n\n%s\n", entry.Title, entry.Text)

	p.Wait()

	if entry.HasQuestions {
		reportAnswers(events, mainLogger)
	}
}

func runAnswer(cmd *cobra.Command, args []string) {
	mainLogger, sttLogger, _, dataLogger := createLoggers()

	creds := requireCredentials(mainLogger)
	ctx := context.Background()

	events := newAnswerEvents()
	p, queries := buildPipeline(ctx, creds, events, mainLogger, sttLogger, dataLogger)
	if queries == nil {
		mainLogger.Fatal("missing DATABASE_URL or --database-url=")
	}
	loadKnowledge(p, mainLogger)

	if err := p.Answer(ctx, args[0]); err != nil {
		mainLogger.Fatal("answer", "error", err.Error())
	}
	p.Wait()

	reportAnswers(events, mainLogger)
}

func runLive(cmd *cobra.Command, args []string) {
	mainLogger, sttLogger, liveLogger, dataLogger := createLoggers()

	blob, err := os.ReadFile(args[0])
	if err != nil {
		mainLogger.Fatal("read audio file", "error", err.Error())
	}

	creds := requireCredentials(mainLogger)
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	useRealtime, _ := cmd.Flags().GetBool("realtime")

	if useRealtime {
		runLiveRealtime(creds, blob, chunkSize, liveLogger)
		return
	}

	nChunks := (len(blob) + chunkSize - 1) / chunkSize
	events := &liveEvents{
		answerEvents: newAnswerEvents(),
		progress:     make(chan struct{}, nChunks),
		halted:       make(chan struct{}),
	}

	ctx := context.Background()
	p, _ := buildPipeline(ctx, creds, events, mainLogger, sttLogger, dataLogger)
	loadKnowledge(p, mainLogger)

	if err := p.StartCapture(ctx); err != nil {
		mainLogger.Fatal("start capture", "error", err.Error())
	}

	mime := mimeForPath(args[0])
	var seq uint64
	for off := 0; off < len(blob); off += chunkSize {
		end := off + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		seq++
		// Each chunk carries the recording from the start so every
		// partial call sees a decodable stream.
		p.Enqueue(queue.Chunk{Seq: seq, Data: blob[:end], MimeType: mime})
	}

	// Let the queue work through the backlog before stopping; a failed
	// chunk produces no partial, so give up after a quiet stretch.
waitLoop:
	for i := 0; i < nChunks; i++ {
		select {
		case <-events.progress:
		case <-events.halted:
			mainLogger.Fatal("live transcription halted")
		case <-time.After(30 * time.Second):
			break waitLoop
		}
	}

	p.StopCapture()

	entry, err := p.Finalize(ctx, blob, mime)
	if err != nil {
		mainLogger.Fatal("final transcription", "error", err.Error())
	}
	if entry.Text == "" {
		fmt.Println("No speech detected.")
		return
	}
	fmt.Printf("\n%s\n\n%s\n", entry.Title, entry.Text)

	p.Wait()

	if entry.HasQuestions {
		reportAnswers(events.answerEvents, mainLogger)
	}
}

func runLiveRealtime(
	creds *config.Credentials,
	blob []byte,
	chunkSize int,
	liveLogger *log.Logger,
) {
	// One completed response comes back per submitted chunk.
	remaining := int64((len(blob) + chunkSize - 1) / chunkSize)
	done := make(chan struct{})
	session := realtime.NewSession(creds, config.RealtimeModel(), realtime.Callbacks{
		OnPartial: func(text string, final bool) {
			if !final {
				fmt.Printf("\r%s", text)
			}
		},
		OnFinal: func(text string) {
			fmt.Printf("\r%s\n", text)
			if atomic.AddInt64(&remaining, -1) == 0 {
				close(done)
			}
		},
		OnError: func(err error) {
			liveLogger.Error("realtime session", "error", err.Error())
		},
	}, liveLogger)

	if err := session.Start(context.Background()); err != nil {
		liveLogger.Fatal("start realtime session", "error", err.Error())
	}
	defer session.Stop()

	for off := 0; off < len(blob); off += chunkSize {
		end := off + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		if err := session.SendChunk(blob[off:end]); err != nil {
			liveLogger.Fatal("send audio chunk", "error", err.Error())
		}
	}

	<-done
}

func runList(cmd *cobra.Command, args []string) {
	mainLogger, _, _, dataLogger := createLoggers()

	queries := openDatabase(context.Background(), mainLogger, dataLogger)
	if queries == nil {
		mainLogger.Fatal("missing DATABASE_URL or --database-url=")
	}

	entries, err := queries.GetRecentTranscripts(context.Background(), db.HistoryLimit)
	if err != nil {
		mainLogger.Fatal("fetch transcripts", "error", err.Error())
	}

	if len(entries) == 0 {
		fmt.Println("No transcripts found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created At", "Title", "Questions", "Text"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, entry := range entries {
		questions := ""
		if entry.HasQuestions {
			questions = "yes"
		}
		table.Append([]string{
			entry.ID,
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
			entry.Title,
			questions,
			snippet(entry.Text, 60),
		})
	}

	table.Render()
}

func runClear(cmd *cobra.Command, args []string) {
	mainLogger, _, _, dataLogger := createLoggers()

	queries := openDatabase(context.Background(), mainLogger, dataLogger)
	if queries == nil {
		mainLogger.Fatal("missing DATABASE_URL or --database-url=")
	}

	if err := queries.DeleteAllTranscripts(context.Background()); err != nil {
		mainLogger.Fatal("clear transcripts", "error", err.Error())
	}
	fmt.Println("History cleared.")
}

func requireCredentials(mainLogger *log.Logger) *config.Credentials {
	key := viper.GetString("openai_api_key")
	if key == "" {
		mainLogger.Fatal("missing OPENAI_API_KEY or --openai-api-key=")
	}
	creds := config.NewCredentials()
	creds.Set(key)
	return creds
}

func buildPipeline(
	ctx context.Context,
	creds *config.Credentials,
	events pipeline.Events,
	mainLogger, sttLogger, dataLogger *log.Logger,
) (*pipeline.Pipeline, *db.Queries) {
	queries := openDatabase(ctx, mainLogger, dataLogger)

	transcriber := stt.NewOpenAITranscriber(creds, sttLogger)
	engine := answers.NewEngine(answers.NewOpenAICompleter(creds), mainLogger)

	var store pipeline.HistoryStore
	if queries != nil {
		store = queries
	}
	return pipeline.New(transcriber, engine, store, creds, events, mainLogger), queries
}

func openDatabase(ctx context.Context, mainLogger, dataLogger *log.Logger) *db.Queries {
	if viper.GetString("database_url") == "" {
		return nil
	}
	_, queries, err := db.OpenDatabase(ctx)
	if err != nil {
		mainLogger.Fatal("initialize database", "error", err.Error())
	}
	dataLogger.Debug("database ready")
	return queries
}

func loadKnowledge(p *pipeline.Pipeline, mainLogger *log.Logger) {
	path := viper.GetString("knowledge_file")
	if path == "" {
		return
	}
	text, err := os.ReadFile(path)
	if err != nil {
		mainLogger.Fatal("read knowledge file", "error", err.Error())
	}
	p.SetKnowledge(string(text))
}

// answerEvents collects extraction results for the command to print.
type answerEvents struct {
	ready  chan []answers.QAItem
	failed chan error
}

func newAnswerEvents() *answerEvents {
	return &answerEvents{
		ready:  make(chan []answers.QAItem, 1),
		failed: make(chan error, 1),
	}
}

func (e *answerEvents) LivePartial(string)            {}
func (e *answerEvents) CaptureHalted(error)           {}
func (e *answerEvents) TranscriptSaved(db.Transcript) {}

func (e *answerEvents) AnswersReady(_ string, items []answers.QAItem) {
	select {
	case e.ready <- items:
	default:
	}
}

func (e *answerEvents) AnswersFailed(_ string, err error) {
	select {
	case e.failed <- err:
	default:
	}
}

func reportAnswers(e *answerEvents, mainLogger *log.Logger) {
	select {
	case items := <-e.ready:
		printAnswers(items)
	case err := <-e.failed:
		mainLogger.Error("answer extraction", "error", err.Error())
	default:
	}
}

// liveEvents adds terminal partials and per-chunk progress tracking on
// top of the answer collector.
type liveEvents struct {
	*answerEvents
	progress chan struct{}
	halted   chan struct{}
}

func (e *liveEvents) LivePartial(text string) {
	fmt.Printf("\r%s", text)
	select {
	case e.progress <- struct{}{}:
	default:
	}
}

func (e *liveEvents) CaptureHalted(err error) {
	fmt.Fprintf(os.Stderr, "\nlive transcription stopped: %v\n", err)
	close(e.halted)
}

func printAnswers(items []answers.QAItem) {
	if len(items) == 0 {
		fmt.Println("\nNo questions found.")
		return
	}

	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Question", "Answer", "Source"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(true)
	table.SetColWidth(50)

	for _, item := range items {
		table.Append([]string{item.Question, item.Answer, string(item.Source)})
	}
	table.Render()
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		return "audio/webm"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	default:
		return ""
	}
}

func snippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func createLoggers() (mainLogger, sttLogger, liveLogger, dataLogger *log.Logger) {
	logLevel := log.InfoLevel
	if viper.GetBool("debug") {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	sttLogger = logger.With().WithPrefix("hear")
	liveLogger = logger.With().WithPrefix("live")
	dataLogger = logger.With().WithPrefix("data")

	return
}
