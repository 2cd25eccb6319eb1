package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/birbparty/fmdapi/internal/events"
	"github.com/birbparty/fmdapi/internal/storage"
)

// exportPageSize is the number of records fetched per request by export
const exportPageSize = 500

type command struct {
	usage       string
	help        string
	minArgs     int
	needsLayout bool
	run         func(a *App, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":      {help: "show this list", run: (*App).help},
		"login":     {usage: "[username]", help: "open a session, prompting for the password", run: (*App).login},
		"oauth":     {usage: "<request-id> <identifier>", help: "open a session with an OAuth identity", minArgs: 2, run: (*App).oauth},
		"logout":    {help: "close the session", run: (*App).logout},
		"validate":  {help: "ask the server whether the session is valid", run: (*App).validate},
		"session":   {help: "show the local token state", run: (*App).session},
		"refresh":   {help: "log in again with the stored credentials", run: (*App).refresh},
		"info":      {help: "show server product information", run: (*App).info},
		"databases": {help: "list hosted databases", run: (*App).databases},
		"layouts":   {help: "list layouts", run: (*App).layouts},
		"scripts":   {help: "list scripts", run: (*App).scripts},
		"layout":    {usage: "[name]", help: "show or select the current layout", run: (*App).selectLayout},
		"metadata":  {usage: "[record-id]", help: "describe the current layout", needsLayout: true, run: (*App).metadata},
		"get":       {usage: "<record-id> [options]", help: "show one record", minArgs: 1, needsLayout: true, run: (*App).get},
		"list":      {usage: "[options]", help: "show a range of records", needsLayout: true, run: (*App).list},
		"find":      {usage: "<field=criterion>... [or|omit ...] [options]", help: "find records", minArgs: 1, needsLayout: true, run: (*App).find},
		"create":    {usage: "<field=value>... [options]", help: "create a record", needsLayout: true, run: (*App).create},
		"edit":      {usage: "<record-id> <field=value>... [--modid=N] [options]", help: "edit a record", minArgs: 2, needsLayout: true, run: (*App).edit},
		"duplicate": {usage: "<record-id> [options]", help: "duplicate a record", minArgs: 1, needsLayout: true, run: (*App).duplicate},
		"delete":    {usage: "<record-id> [options]", help: "delete a record", minArgs: 1, needsLayout: true, run: (*App).remove},
		"script":    {usage: "<name> [param]", help: "run a script", minArgs: 1, needsLayout: true, run: (*App).script},
		"globals":   {usage: "<Table::Field=value>...", help: "set global fields for the session", minArgs: 1, run: (*App).globals},
		"upload":    {usage: "<record-id> <field> <path|s3://bucket/key> [--rep=N]", help: "upload a file into a container field", minArgs: 3, needsLayout: true, run: (*App).upload},
		"export":    {usage: "[field=criterion...] [options]", help: "write records as JSON lines to object storage", needsLayout: true, run: (*App).export},
		"exports":   {usage: "[YYYY-MM-DD]", help: "list exports written on a day (default today)", run: (*App).listExports},
		"rmexport":  {usage: "<key>", help: "delete an export", minArgs: 1, run: (*App).removeExport},
	}
}

// requestFlags are the options shared by record commands
var requestFlags = []string{"offset", "limit", "sort", "portal", "dateformat", "response-layout", "prerequest", "presort", "script", "modid"}

// requestOptions converts --flags into request options.
//
//	--offset=N --limit=N
//	--sort=Field[:descend],Field2
//	--portal=Name[:offset:limit],Name2
//	--dateformat=default|file-locale|iso8601
//	--response-layout=Layout
//	--prerequest=Script[:param] --presort=... --script=...
//	--modid=N
func requestOptions(flags map[string]string) ([]dataapi.RequestOption, error) {
	var opts []dataapi.RequestOption

	if n, ok, err := flagInt(flags, "offset"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, dataapi.WithOffset(n))
	}
	if n, ok, err := flagInt(flags, "limit"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, dataapi.WithLimit(n))
	}

	if raw, ok := flags["sort"]; ok {
		var sorts []dataapi.Sort
		for _, item := range splitList(raw) {
			name, order, _ := strings.Cut(item, ":")
			sorts = append(sorts, dataapi.Sort{FieldName: name, SortOrder: order})
		}
		opts = append(opts, dataapi.WithSort(sorts...))
	}

	if raw, ok := flags["portal"]; ok {
		var portals []dataapi.Portal
		for _, item := range splitList(raw) {
			parts := strings.Split(item, ":")
			portal := dataapi.NewPortal(parts[0])
			if len(parts) > 1 && parts[1] != "" {
				n, err := parseCount(parts[1], "portal offset")
				if err != nil {
					return nil, err
				}
				portal = portal.WithOffset(n)
			}
			if len(parts) > 2 && parts[2] != "" {
				n, err := parseCount(parts[2], "portal limit")
				if err != nil {
					return nil, err
				}
				portal = portal.WithLimit(n)
			}
			portals = append(portals, portal)
		}
		opts = append(opts, dataapi.WithPortals(portals...))
	}

	if raw, ok := flags["dateformat"]; ok {
		opts = append(opts, dataapi.WithDateFormat(dataapi.ParseDateFormat(raw)))
	}
	if raw, ok := flags["response-layout"]; ok {
		opts = append(opts, dataapi.WithResponseLayout(raw))
	}
	if raw, ok := flags["modid"]; ok {
		opts = append(opts, dataapi.WithModID(raw))
	}

	for flag, scriptType := range map[string]dataapi.ScriptType{
		"prerequest": dataapi.ScriptPreRequest,
		"presort":    dataapi.ScriptPreSort,
		"script":     dataapi.ScriptPostRequest,
	} {
		if raw, ok := flags[flag]; ok {
			name, param, _ := strings.Cut(raw, ":")
			opts = append(opts, dataapi.WithScript(scriptType, name, param))
		}
	}
	return opts, nil
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseCount(raw, what string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", ErrUsage, what)
	}
	return n, nil
}

func (a *App) help(_ context.Context, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(a.out, "Commands:")
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(a.out, "  %-10s %-40s %s\n", name, cmd.usage, cmd.help)
	}
	fmt.Fprintf(a.out, "  %-10s %-40s %s\n", "exit", "", "leave the shell")
	fmt.Fprintln(a.out, "Record options: --offset --limit --sort --portal --dateformat --response-layout --prerequest --presort --script")
	return nil
}

func (a *App) login(ctx context.Context, args []string) error {
	username := a.username
	if len(args) > 0 {
		username = args[0]
	}
	if username == "" {
		var err error
		if username, err = GetSimpleText(a.reader, "Username", a.out); err != nil {
			return err
		}
	}
	password, err := GetPassword(a.out)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if err := a.client.Login(ctx, username, string(password)); err != nil {
		return err
	}
	a.username = username
	fmt.Fprintln(a.out, "Logged in")
	return nil
}

func (a *App) oauth(ctx context.Context, args []string) error {
	if err := a.client.LoginOAuth(ctx, args[0], args[1]); err != nil {
		return err
	}
	a.username = ""
	fmt.Fprintln(a.out, "Logged in with OAuth")
	return nil
}

func (a *App) logout(ctx context.Context, _ []string) error {
	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func (a *App) validate(ctx context.Context, _ []string) error {
	valid, err := a.client.ValidateSession(ctx)
	if err != nil {
		return err
	}
	if valid {
		fmt.Fprintln(a.out, "Session is valid")
	} else {
		fmt.Fprintln(a.out, "Session is not valid")
	}
	return nil
}

func (a *App) session(_ context.Context, _ []string) error {
	if !a.client.HasToken() {
		fmt.Fprintln(a.out, "No session token")
		return nil
	}
	issued, _ := a.client.TokenIssuedAt()
	state := "fresh"
	if a.client.IsTokenExpired() {
		state = "stale, will log in again on next use"
	}
	fmt.Fprintf(a.out, "Token issued %s (%s)\n", issued.Format(time.RFC3339), state)
	return nil
}

func (a *App) refresh(ctx context.Context, _ []string) error {
	if err := a.client.RefreshToken(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Session refreshed")
	return nil
}

func (a *App) info(ctx context.Context, _ []string) error {
	info, err := a.client.ProductInfo(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(info)
}

func (a *App) databases(ctx context.Context, _ []string) error {
	names, err := a.client.DatabaseNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(a.out, name)
	}
	return nil
}

func (a *App) layouts(ctx context.Context, _ []string) error {
	items, err := a.client.LayoutNames(ctx)
	if err != nil {
		return err
	}
	a.printTree(items, "")
	return nil
}

func (a *App) scripts(ctx context.Context, _ []string) error {
	items, err := a.client.ScriptNames(ctx)
	if err != nil {
		return err
	}
	a.printTree(items, "")
	return nil
}

func (a *App) printTree(items []dataapi.NamedItem, indent string) {
	for _, item := range items {
		if item.IsFolder {
			fmt.Fprintf(a.out, "%s%s/\n", indent, item.Name)
			a.printTree(item.Children(), indent+"  ")
			continue
		}
		fmt.Fprintf(a.out, "%s%s\n", indent, item.Name)
	}
}

func (a *App) selectLayout(_ context.Context, args []string) error {
	if len(args) == 0 {
		if a.layout == "" {
			fmt.Fprintln(a.out, "No layout selected")
		} else {
			fmt.Fprintln(a.out, a.layout)
		}
		return nil
	}
	a.layout = strings.Join(args, " ")
	fmt.Fprintf(a.out, "Using layout %s\n", a.layout)
	return nil
}

func (a *App) metadata(ctx context.Context, args []string) error {
	recordID := ""
	if len(args) > 0 {
		recordID = args[0]
	}
	meta, err := a.client.LayoutMetadata(ctx, a.layout, recordID)
	if err != nil {
		return err
	}
	return a.printJSON(meta)
}

func (a *App) get(ctx context.Context, args []string) error {
	opts, rest, err := a.recordArgs(args)
	if err != nil {
		return err
	}
	if err := needArgs(rest, 1, "get"); err != nil {
		return err
	}
	result, err := a.client.GetRecord(ctx, a.layout, rest[0], opts...)
	if err != nil {
		return err
	}
	return a.printResult(result)
}

func (a *App) list(ctx context.Context, args []string) error {
	opts, _, err := a.recordArgs(args)
	if err != nil {
		return err
	}
	result, err := a.client.GetRecords(ctx, a.layout, opts...)
	if err != nil {
		return err
	}
	return a.printResult(result)
}

func (a *App) find(ctx context.Context, args []string) error {
	opts, rest, err := a.recordArgs(args)
	if err != nil {
		return err
	}
	if err := needArgs(rest, 1, "find"); err != nil {
		return err
	}
	groups, err := parseCriteria(rest)
	if err != nil {
		return err
	}
	result, err := a.client.FindRecords(ctx, a.layout, groups, opts...)
	if err != nil {
		return err
	}
	if result.TokenExpired {
		fmt.Fprintln(a.out, "Session token was rejected, run refresh or login")
		return nil
	}
	if len(result.Records) == 0 {
		fmt.Fprintln(a.out, "No records found")
		return a.printScripts(result)
	}
	return a.printResult(result)
}

func (a *App) create(ctx context.Context, args []string) error {
	opts, rest, err := a.recordArgs(args)
	if err != nil {
		return err
	}
	fields, err := parseAssignments(rest)
	if err != nil {
		return err
	}
	result, err := a.client.CreateRecord(ctx, a.layout, fields, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created record %s (modId %s)\n", result.RecordID, result.ModID)
	a.announce(ctx, events.EventCreated, result.RecordID, result.ModID)
	return a.printScripts(result)
}

func (a *App) edit(ctx context.Context, args []string) error {
	opts, rest, err := a.recordArgs(args)
	if err != nil {
		return err
	}
	if err := needArgs(rest, 2, "edit"); err != nil {
		return err
	}
	fields, err := parseAssignments(rest[1:])
	if err != nil {
		return err
	}
	result, err := a.client.EditRecord(ctx, a.layout, rest[0], fields, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Edited record %s (modId %s)\n", rest[0], result.ModID)
	a.announce(ctx, events.EventEdited, rest[0], result.ModID)
	return a.printScripts(result)
}

func (a *App) duplicate(ctx context.Context, args []string) error {
	opts, rest, err := a.recordArgs(args)
	if err != nil {
		return err
	}
	if err := needArgs(rest, 1, "duplicate"); err != nil {
		return err
	}
	result, err := a.client.DuplicateRecord(ctx, a.layout, rest[0], opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Duplicated record %s as %s\n", rest[0], result.RecordID)
	a.announce(ctx, events.EventDuplicated, result.RecordID, result.ModID)
	return a.printScripts(result)
}

func (a *App) remove(ctx context.Context, args []string) error {
	opts, rest, err := a.recordArgs(args)
	if err != nil {
		return err
	}
	if err := needArgs(rest, 1, "delete"); err != nil {
		return err
	}
	result, err := a.client.DeleteRecord(ctx, a.layout, rest[0], opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted record %s\n", rest[0])
	a.announce(ctx, events.EventDeleted, rest[0], "")
	return a.printScripts(result)
}

func (a *App) script(ctx context.Context, args []string) error {
	param := ""
	if len(args) > 1 {
		param = strings.Join(args[1:], " ")
	}
	result, err := a.client.ExecuteScript(ctx, a.layout, args[0], param)
	if err != nil {
		return err
	}
	outcome := result.Scripts[dataapi.ScriptPostRequest]
	fmt.Fprintf(a.out, "Script %s finished with error %s\n", args[0], outcome.Error)
	if outcome.Result != "" {
		fmt.Fprintf(a.out, "Result: %s\n", outcome.Result)
	}
	return nil
}

func (a *App) globals(ctx context.Context, args []string) error {
	fields, err := parseAssignments(args)
	if err != nil {
		return err
	}
	if _, err := a.client.SetGlobalFields(ctx, fields); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Set %d global field(s)\n", len(fields))
	return nil
}

func (a *App) upload(ctx context.Context, args []string) error {
	flags, rest, err := parseFlags(args, "rep")
	if err != nil {
		return err
	}
	if err := needArgs(rest, 3, "upload"); err != nil {
		return err
	}
	recordID, field, source := rest[0], rest[1], rest[2]
	repetition := 1
	if n, ok, err := flagInt(flags, "rep"); err != nil {
		return err
	} else if ok {
		repetition = n
	}

	body, name, err := a.openSource(ctx, source)
	if err != nil {
		return err
	}
	defer body.Close()

	result, err := a.client.UploadToContainerReader(ctx, a.layout, recordID, field, repetition, body, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Uploaded %s into %s of record %s (modId %s)\n", name, field, recordID, result.ModID)
	a.announce(ctx, events.EventEdited, recordID, result.ModID)
	return nil
}

// openSource opens a local file or an s3:// object
func (a *App) openSource(ctx context.Context, source string) (io.ReadCloser, string, error) {
	if storage.IsRef(source) {
		if a.store == nil {
			return nil, "", ErrNoStorage
		}
		return a.store.Open(ctx, source)
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", source, err)
	}
	return f, filepath.Base(source), nil
}

func (a *App) export(ctx context.Context, args []string) error {
	if a.store == nil {
		return ErrNoStorage
	}
	opts, rest, err := a.recordArgs(args)
	if err != nil {
		return err
	}

	paged := func(offset int) []dataapi.RequestOption {
		page := append([]dataapi.RequestOption(nil), opts...)
		return append(page, dataapi.WithOffset(offset), dataapi.WithLimit(exportPageSize))
	}
	fetch := func(offset int) (*dataapi.Result, error) {
		return a.client.GetRecords(ctx, a.layout, paged(offset)...)
	}
	if len(rest) > 0 {
		groups, err := parseCriteria(rest)
		if err != nil {
			return err
		}
		fetch = func(offset int) (*dataapi.Result, error) {
			return a.client.FindRecords(ctx, a.layout, groups, paged(offset)...)
		}
	}

	var buf bytes.Buffer
	count, err := writeRecords(&buf, fetch)
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Fprintln(a.out, "No records to export")
		return nil
	}

	key, err := a.store.UploadExport(ctx, a.layout, &buf)
	if err != nil {
		return err
	}
	a.log.WithField("key", key).WithField("records", count).Info("Export uploaded")
	fmt.Fprintf(a.out, "Exported %d record(s) to %s\n", count, key)
	return nil
}

// writeRecords pages through fetch and writes one JSON object per record
func writeRecords(w io.Writer, fetch func(offset int) (*dataapi.Result, error)) (int, error) {
	enc := json.NewEncoder(w)
	count := 0
	for offset := 1; ; offset += exportPageSize {
		result, err := fetch(offset)
		if err != nil {
			return count, err
		}
		if result.TokenExpired {
			return count, fmt.Errorf("session token was rejected")
		}
		for _, record := range result.Records {
			if err := enc.Encode(record); err != nil {
				return count, fmt.Errorf("failed to encode record %s: %w", record.RecordID, err)
			}
			count++
		}
		if len(result.Records) < exportPageSize {
			return count, nil
		}
		if result.DataInfo != nil && offset+exportPageSize > result.DataInfo.FoundCount {
			return count, nil
		}
	}
}

func (a *App) listExports(ctx context.Context, args []string) error {
	if a.store == nil {
		return ErrNoStorage
	}
	day := time.Now()
	if len(args) > 0 {
		var err error
		if day, err = time.Parse("2006-01-02", args[0]); err != nil {
			return fmt.Errorf("%w: exports [YYYY-MM-DD]", ErrUsage)
		}
	}
	objects, err := a.store.ListExports(ctx, day)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		fmt.Fprintln(a.out, "No exports")
		return nil
	}
	for _, o := range objects {
		fmt.Fprintf(a.out, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.Format(time.RFC3339))
	}
	return nil
}

func (a *App) removeExport(ctx context.Context, args []string) error {
	if a.store == nil {
		return ErrNoStorage
	}
	if err := a.store.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s\n", args[0])
	return nil
}

// needArgs checks the positional arguments left after options
func needArgs(rest []string, n int, name string) error {
	if len(rest) < n {
		return fmt.Errorf("%w: %s %s", ErrUsage, name, commands[name].usage)
	}
	return nil
}

// recordArgs splits record command arguments into request options and
// positional arguments
func (a *App) recordArgs(args []string) ([]dataapi.RequestOption, []string, error) {
	flags, rest, err := parseFlags(args, requestFlags...)
	if err != nil {
		return nil, nil, err
	}
	opts, err := requestOptions(flags)
	if err != nil {
		return nil, nil, err
	}
	return opts, rest, nil
}

func (a *App) printResult(result *dataapi.Result) error {
	for _, record := range result.Records {
		if err := a.printJSON(record); err != nil {
			return err
		}
	}
	if info := result.DataInfo; info != nil {
		fmt.Fprintf(a.out, "%d of %d found (%d in table)\n", info.ReturnedCount, info.FoundCount, info.TotalRecordCount)
	}
	return a.printScripts(result)
}

func (a *App) printScripts(result *dataapi.Result) error {
	for _, t := range []dataapi.ScriptType{dataapi.ScriptPreRequest, dataapi.ScriptPreSort, dataapi.ScriptPostRequest} {
		outcome, ok := result.Scripts[t]
		if !ok {
			continue
		}
		fmt.Fprintf(a.out, "%s script: error %s", t, outcome.Error)
		if outcome.Result != "" {
			fmt.Fprintf(a.out, ", result %s", outcome.Result)
		}
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *App) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}
