package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/TylerBrock/colorjson"
	"github.com/goccy/go-yaml"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/loykin/scriptbatch"
	"github.com/loykin/scriptbatch/internal/auth"
	"github.com/loykin/scriptbatch/internal/config"
	"github.com/loykin/scriptbatch/internal/notify"
	"github.com/loykin/scriptbatch/internal/shellscript"
	"github.com/loykin/scriptbatch/internal/store/factory"
	"github.com/loykin/scriptbatch/pkg/client"
	"github.com/loykin/scriptbatch/pkg/template"
)

type command struct {
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	configPath string
}

func newCommand(cmd *cobra.Command, g *GlobalFlags) command {
	return command{in: cmd.InOrStdin(), out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), configPath: g.ConfigPath}
}

func (c command) loadConfig() (*config.Config, error) {
	cfg, err := scriptbatch.LoadConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// apiClient resolves the server from --api-url, then from [server] of the
// config file, then the client default.
func (c command) apiClient(f APIFlags) (*client.Client, error) {
	cc := client.DefaultConfig()
	if f.Timeout > 0 {
		cc.Timeout = f.Timeout
	}
	cc.Token = f.Token
	if f.User != "" {
		cc.Username = f.User
		cc.Password = f.Password
		if cc.Password == "" {
			cc.Password = os.Getenv("SCRIPTBATCH_API_PASSWORD")
		}
	}
	switch {
	case f.URL != "":
		cc.BaseURL = f.URL
	case c.configPath != "":
		cfg, err := c.loadConfig()
		if err != nil {
			return nil, err
		}
		cc.BaseURL = serverURL(cfg.Server)
		if ca := serverCert(cfg.Server.TLS); ca != "" {
			cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: ca}
		}
	}
	return client.New(cc), nil
}

func serverURL(s config.ServerConfig) string {
	host := s.Listen
	switch {
	case strings.HasPrefix(host, ":"):
		host = "localhost" + host
	case strings.HasPrefix(host, "0.0.0.0:"):
		host = "localhost" + strings.TrimPrefix(host, "0.0.0.0")
	}
	scheme := "http"
	if s.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + host + s.BasePath
}

func serverCert(t config.TLSConfig) string {
	switch {
	case !t.Enabled:
		return ""
	case t.CertFile != "":
		return t.CertFile
	case t.Dir != "":
		return filepath.Join(t.Dir, "tls.crt")
	}
	return ""
}

// Submit sends a batch to the server and, with --wait, polls its records
// until they are finished or the command is cancelled.
func (c command) Submit(ctx context.Context, f SubmitFlags) error {
	cl, err := c.apiClient(f.API)
	if err != nil {
		return err
	}
	params := make(map[string]string, len(f.Params)+2)
	maps.Copy(params, f.Params)
	params[scriptbatch.ParamStepTitle] = f.Step
	if f.Script != "" {
		params[scriptbatch.ParamScript] = f.Script
	}

	resp, err := cl.Submit(ctx, client.SubmitRequest{
		Command:     f.Command,
		Submitter:   f.Submitter,
		WorkItemIDs: f.IDs,
		Params:      params,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Submitted %s run %s for %d work item(s)\n", resp.Command, resp.RunID, len(resp.Records))
	if !f.Wait || len(resp.Records) == 0 {
		return nil
	}

	recs, err := waitForRecords(ctx, cl, resp, f.PollInterval)
	if err != nil {
		return err
	}
	renderRecords(c.out, recs)
	failed := 0
	for _, r := range recs {
		if r.State == string(scriptbatch.StateFailed) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d work item(s) failed", failed, len(recs))
	}
	return nil
}

func waitForRecords(ctx context.Context, cl *client.Client, resp client.SubmitResponse, interval time.Duration) ([]client.Record, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	want := make(map[int]bool, len(resp.Records))
	for _, r := range resp.Records {
		want[r.WorkItemID] = true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		all, err := cl.Results(ctx, resp.Command, "")
		if err != nil {
			return nil, err
		}
		var recs []client.Record
		open, running := 0, 0
		for _, r := range all {
			if !want[r.WorkItemID] {
				continue
			}
			recs = append(recs, r)
			switch r.State {
			case string(scriptbatch.StatePending):
				open++
			case string(scriptbatch.StateRunning):
				open++
				running++
			}
		}
		if open == 0 {
			return recs, nil
		}
		if running == 0 {
			idle, err := noLiveBatch(ctx, cl, resp.Command)
			if err != nil {
				return nil, err
			}
			if idle {
				return recs, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// noLiveBatch reports whether no batch of command will pick up its PENDING
// records any more, after a cancel or an interrupted worker.
func noLiveBatch(ctx context.Context, cl *client.Client, command string) (bool, error) {
	sums, err := cl.Commands(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range sums {
		if s.Command == command {
			return !s.Waiting, nil
		}
	}
	return true, nil
}

// Login prints the token issued for the user, nothing else, so the output
// can be captured into SCRIPTBATCH_API_TOKEN.
func (c command) Login(ctx context.Context, f LoginFlags) error {
	password := f.Password
	if password == "" {
		password = os.Getenv("SCRIPTBATCH_API_PASSWORD")
	}
	if password == "" {
		var err error
		if password, err = readSecret(c.in, c.errOut, "Password"); err != nil {
			return err
		}
	}
	f.API.Token, f.API.User = "", ""
	cl, err := c.apiClient(f.API)
	if err != nil {
		return err
	}
	resp, err := cl.Login(ctx, f.Username, password)
	if err != nil {
		return err
	}
	if resp.Token == nil {
		return fmt.Errorf("server returned no token")
	}
	_, _ = fmt.Fprintln(c.out, resp.Token.Value)
	return nil
}

func hashPassword(in io.Reader, out, prompt io.Writer, f HashPasswordFlags) error {
	password := f.Password
	if password == "" {
		var err error
		if password, err = readSecret(in, prompt, "Password"); err != nil {
			return err
		}
	}
	hash, err := auth.HashPassword(password, f.Cost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, hash)
	return nil
}

func printTemplate(out io.Writer, kind string, f TemplateFlags) error {
	g := &template.Generator{ScriptDir: f.ScriptDir}
	generate := g.GenerateJSON
	if f.YAML {
		generate = g.GenerateYAML
	}
	data, err := generate(template.TemplateType(strings.ToLower(kind)), f.ID, f.Title)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, strings.TrimRight(string(data), "\n"))
	return err
}

func (c command) Results(ctx context.Context, f ResultsFlags) error {
	cl, err := c.apiClient(f.API)
	if err != nil {
		return err
	}
	recs, err := cl.Results(ctx, f.Command, strings.ToUpper(f.State))
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, recs)
	}
	renderRecords(c.out, recs)
	return nil
}

func (c command) Commands(ctx context.Context, f APIFlags) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	sums, err := cl.Commands(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	header := []string{"Command", "Waiting", "Total"}
	for _, st := range scriptbatch.States {
		header = append(header, st.String())
	}
	table.SetHeader(append(header, "Created"))
	for _, s := range sums {
		row := []string{s.Command, strconv.FormatBool(s.Waiting), strconv.Itoa(s.Total)}
		for _, st := range scriptbatch.States {
			row = append(row, strconv.Itoa(s.Counts[st.String()]))
		}
		table.Append(append(row, s.CreatedAt.Local().Format(time.DateTime)))
	}
	table.Render()
	return nil
}

func (c command) Cancel(ctx context.Context, f APIFlags, name string) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	if err := cl.Cancel(ctx, name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Stopped picking up pending work items of %s\n", name)
	return nil
}

func (c command) Journal(ctx context.Context, f APIFlags, id int) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	entries, err := cl.Journal(ctx, id)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"Time", "Level", "Author", "Message"})
	for _, e := range entries {
		table.Append([]string{
			e.CreatedAt.Local().Format(time.DateTime),
			e.Level,
			e.Author,
			strings.TrimRight(e.Message, "\n"),
		})
	}
	table.Render()
	return nil
}

// Import loads work items from a JSON or YAML array, through the API when --api-url
// is set and straight into the configured store otherwise.
func (c command) Import(ctx context.Context, f ImportFlags) error {
	var n int
	if f.API.URL != "" {
		items, err := readItems[[]client.WorkItem](f.FilePath)
		if err != nil {
			return err
		}
		cl, err := c.apiClient(f.API)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := cl.PutWorkItem(ctx, it); err != nil {
				return fmt.Errorf("work item %d: %w", it.ID, err)
			}
		}
		n = len(items)
	} else {
		items, err := readItems[[]scriptbatch.WorkItem](f.FilePath)
		if err != nil {
			return err
		}
		if n, err = c.importToStore(ctx, items); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(c.out, "Imported %d work item(s) from %s\n", n, f.FilePath)
	return nil
}

func (c command) importToStore(ctx context.Context, items []scriptbatch.WorkItem) (int, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return 0, err
	}
	if cfg.Store.DSN == "" {
		return 0, fmt.Errorf("store.dsn must be configured to import without --api-url")
	}
	repo, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return 0, err
	}
	defer func() { _ = repo.Close() }()
	if err := repo.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := repo.PutWorkItem(ctx, it); err != nil {
			return 0, fmt.Errorf("work item %d: %w", it.ID, err)
		}
	}
	return len(items), nil
}

// Exec runs one script with the configured script environment. A non-zero
// exit code is returned as *exitError.
func (c command) Exec(ctx context.Context, f ExecFlags, args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	e, err := cfg.ScriptEnv()
	if err != nil {
		return err
	}
	opts := []shellscript.Option{shellscript.WithEnv(e), shellscript.WithOutput(c.out, c.errOut)}
	if cfg.Workers.WorkDir != "" {
		opts = append(opts, shellscript.WithDir(cfg.Workers.WorkDir))
	}
	n := notify.Logger{L: cfg.Logger().NewSloggerTo(c.errOut)}

	var code int
	if f.Legacy {
		code, err = shellscript.LegacyCallShell(ctx, n, f.WorkItemID, strings.Join(args, " "), opts...)
	} else {
		code, err = shellscript.CallShell(ctx, n, f.WorkItemID, args, opts...)
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// readItems decodes a .yaml/.yml file as YAML and anything else as JSON.
func readItems[T any](path string) (T, error) {
	var v T
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return v, fmt.Errorf("failed to read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return v, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &v); err != nil {
			return v, fmt.Errorf("invalid JSON in %s: %w", path, err)
		}
	}
	return v, nil
}

// readSecret prompts on the terminal without echo, or reads one line from in
// when it is not a terminal.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprintf(prompt, "%s: ", label)
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// printJSON indents v, with colours when w is a terminal.
func printJSON(w io.Writer, v any) error {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		formatter := colorjson.NewFormatter()
		formatter.Indent = 2
		b, err := formatter.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderRecords(w io.Writer, recs []client.Record) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Work Item", "Title", "State", "Message", "Updated"})
	for _, r := range recs {
		table.Append([]string{
			strconv.Itoa(r.WorkItemID),
			r.Title,
			r.State,
			r.Message,
			r.LastUpdated.Local().Format(time.DateTime),
		})
	}
	table.Render()
}
