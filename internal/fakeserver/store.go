package fakeserver

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Field kinds and result types
const (
	FieldNormal      = "normal"
	FieldCalculation = "calculation"

	ResultText      = "text"
	ResultNumber    = "number"
	ResultDate      = "date"
	ResultContainer = "container"
)

// FieldDef describes a field placed on a layout or portal
type FieldDef struct {
	Name   string
	Kind   string
	Result string
	Global bool
}

// PortalDef describes a portal and the related fields it shows
type PortalDef struct {
	Name   string
	Table  string
	Fields []FieldDef
}

// LayoutDef describes a layout. Layouts sharing a Table show the same records.
type LayoutDef struct {
	Name    string
	Table   string
	Folder  string
	Fields  []FieldDef
	Portals []PortalDef
}

// ScriptFunc runs a script. A non-empty errCode is reported as the script error.
type ScriptFunc func(param string) (result string, errCode string)

// ContainerObject is a file stored in a container field
type ContainerObject struct {
	Filename string
	URL      string
	Data     []byte
}

type portalRow struct {
	id     int
	modID  int
	fields map[string]interface{}
}

type record struct {
	id         int
	modID      int
	fields     map[string]interface{}
	portals    map[string][]*portalRow
	containers map[string]*ContainerObject
}

type table struct {
	name    string
	nextID  int
	records map[int]*record
	order   []int
}

type layout struct {
	def     LayoutDef
	table   *table
	fields  map[string]FieldDef
	portals map[string]PortalDef
}

type script struct {
	name   string
	folder string
	fn     ScriptFunc
}

// Store is the in-memory hosted file behind the fake server
type Store struct {
	mu          sync.RWMutex
	database    string
	tables      map[string]*table
	layouts     map[string]*layout
	layoutOrder []string
	scripts     map[string]*script
	scriptOrder []string
	nextRowID   int
}

// NewStore creates an empty store for database
func NewStore(database string) *Store {
	return &Store{
		database: database,
		tables:   make(map[string]*table),
		layouts:  make(map[string]*layout),
		scripts:  make(map[string]*script),
	}
}

// Database returns the hosted file name
func (s *Store) Database() string {
	return s.database
}

// AddLayout registers a layout, creating its table on first use
func (s *Store) AddLayout(def LayoutDef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.Table == "" {
		def.Table = def.Name
	}
	t, ok := s.tables[def.Table]
	if !ok {
		t = &table{name: def.Table, nextID: 1, records: make(map[int]*record)}
		s.tables[def.Table] = t
	}

	l := &layout{
		def:     def,
		table:   t,
		fields:  make(map[string]FieldDef, len(def.Fields)),
		portals: make(map[string]PortalDef, len(def.Portals)),
	}
	for _, f := range def.Fields {
		if f.Kind == "" {
			f.Kind = FieldNormal
		}
		if f.Result == "" {
			f.Result = ResultText
		}
		l.fields[f.Name] = f
	}
	for _, p := range def.Portals {
		l.portals[p.Name] = p
	}

	if _, exists := s.layouts[def.Name]; !exists {
		s.layoutOrder = append(s.layoutOrder, def.Name)
	}
	s.layouts[def.Name] = l
}

// AddScript registers a script, optionally inside a folder
func (s *Store) AddScript(name, folder string, fn ScriptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scripts[name]; !exists {
		s.scriptOrder = append(s.scriptOrder, name)
	}
	s.scripts[name] = &script{name: name, folder: folder, fn: fn}
}

// RunScript runs a script by name
func (s *Store) RunScript(name, param string) (string, string) {
	s.mu.RLock()
	sc, ok := s.scripts[name]
	s.mu.RUnlock()
	if !ok {
		return "", CodeScriptMissing
	}
	result, code := sc.fn(param)
	if code == "" {
		code = CodeOK
	}
	return result, code
}

// HasLayout reports whether a layout exists
func (s *Store) HasLayout(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.layouts[name]
	return ok
}

func (s *Store) layout(name string) (*layout, error) {
	l, ok := s.layouts[name]
	if !ok {
		return nil, errLayoutMissing
	}
	return l, nil
}

func (l *layout) record(recordID string) (*record, error) {
	id, err := strconv.Atoi(recordID)
	if err != nil {
		return nil, errRecordMissing
	}
	r, ok := l.table.records[id]
	if !ok {
		return nil, errRecordMissing
	}
	return r, nil
}

// Create adds a record and returns its id and modId
func (s *Store) Create(layoutName string, fields map[string]interface{}, portalData map[string]interface{}) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return "", "", err
	}
	values, err := l.coerceFields(fields)
	if err != nil {
		return "", "", err
	}

	r := &record{
		id:         l.table.nextID,
		fields:     make(map[string]interface{}),
		portals:    make(map[string][]*portalRow),
		containers: make(map[string]*ContainerObject),
	}
	for k, v := range values {
		r.fields[k] = v
	}
	if err := s.applyPortalData(l, r, portalData); err != nil {
		return "", "", err
	}

	l.table.nextID++
	l.table.records[r.id] = r
	l.table.order = append(l.table.order, r.id)
	return strconv.Itoa(r.id), strconv.Itoa(r.modID), nil
}

// Edit updates a record. A non-empty modID must match the record's.
func (s *Store) Edit(layoutName, recordID string, fields map[string]interface{}, portalData map[string]interface{}, modID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return "", err
	}
	r, err := l.record(recordID)
	if err != nil {
		return "", err
	}
	if modID != "" && modID != strconv.Itoa(r.modID) {
		return "", errModIDMismatch
	}
	values, err := l.coerceFields(fields)
	if err != nil {
		return "", err
	}

	for k, v := range values {
		r.fields[k] = v
	}
	if err := s.applyPortalData(l, r, portalData); err != nil {
		return "", err
	}
	r.modID++
	return strconv.Itoa(r.modID), nil
}

// Duplicate copies a record's fields into a new record
func (s *Store) Duplicate(layoutName, recordID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return "", "", err
	}
	src, err := l.record(recordID)
	if err != nil {
		return "", "", err
	}

	r := &record{
		id:         l.table.nextID,
		fields:     make(map[string]interface{}, len(src.fields)),
		portals:    make(map[string][]*portalRow),
		containers: make(map[string]*ContainerObject),
	}
	for k, v := range src.fields {
		r.fields[k] = v
	}
	l.table.nextID++
	l.table.records[r.id] = r
	l.table.order = append(l.table.order, r.id)
	return strconv.Itoa(r.id), strconv.Itoa(r.modID), nil
}

// Delete removes a record
func (s *Store) Delete(layoutName, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return err
	}
	r, err := l.record(recordID)
	if err != nil {
		return err
	}

	delete(l.table.records, r.id)
	for i, id := range l.table.order {
		if id == r.id {
			l.table.order = append(l.table.order[:i], l.table.order[i+1:]...)
			break
		}
	}
	return nil
}

// Upload stores a file in a container field repetition
func (s *Store) Upload(layoutName, recordID, field string, repetition int, filename string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return "", err
	}
	r, err := l.record(recordID)
	if err != nil {
		return "", err
	}
	def, ok := l.fields[field]
	if !ok || def.Result != ResultContainer {
		return "", errFieldMissing(field)
	}
	if repetition < 1 {
		return "", errInvalidParameter("repetition")
	}

	obj := &ContainerObject{
		Filename: filename,
		URL: fmt.Sprintf("https://fakefm.local/Streaming_SSL/%s/%s%s?RCType=EmbeddedRCFileProcessor",
			s.database, uuid.NewString(), path.Ext(filename)),
		Data: append([]byte(nil), data...),
	}
	key := containerKey(field, repetition)
	r.containers[key] = obj
	if repetition == 1 {
		r.fields[field] = obj.URL
	}
	r.modID++
	return strconv.Itoa(r.modID), nil
}

// Container returns the object stored in a container field repetition
func (s *Store) Container(layoutName, recordID, field string, repetition int) (*ContainerObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return nil, false
	}
	r, err := l.record(recordID)
	if err != nil {
		return nil, false
	}
	obj, ok := r.containers[containerKey(field, repetition)]
	return obj, ok
}

func containerKey(field string, repetition int) string {
	return fmt.Sprintf("%s(%d)", field, repetition)
}

// ReadOptions select the window and portals of a read request
type ReadOptions struct {
	Offset int
	Limit  int
	Sort   []SortDTO
	// Portals lists the portals to return; nil returns all of them
	Portals       []string
	PortalOffsets map[string]int
	PortalLimits  map[string]int
}

// Get returns one record
func (s *Store) Get(layoutName, recordID string, opts ReadOptions) ([]RecordDTO, *DataInfoDTO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return nil, nil, err
	}
	r, err := l.record(recordID)
	if err != nil {
		return nil, nil, err
	}
	info := &DataInfoDTO{
		Database:         s.database,
		Layout:           l.def.Name,
		Table:            l.table.name,
		TotalRecordCount: len(l.table.records),
		FoundCount:       1,
		ReturnedCount:    1,
	}
	return []RecordDTO{l.toDTO(s.database, r, opts)}, info, nil
}

// Range returns a window of all records
func (s *Store) Range(layoutName string, opts ReadOptions) ([]RecordDTO, *DataInfoDTO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return nil, nil, err
	}
	all := make([]*record, 0, len(l.table.order))
	for _, id := range l.table.order {
		all = append(all, l.table.records[id])
	}
	return l.page(s.database, all, opts)
}

// Find runs find requests. Records matching any non-omit request are
// found, then records matching any omit request are removed. An empty
// found set is an error with code 401.
func (s *Store) Find(layoutName string, query []map[string]interface{}, opts ReadOptions) ([]RecordDTO, *DataInfoDTO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return nil, nil, err
	}
	if len(query) == 0 {
		return nil, nil, errInvalidParameter("query")
	}

	var finds, omits []map[string]string
	for _, group := range query {
		criteria := make(map[string]string, len(group))
		omit := false
		for k, v := range group {
			if k == "omit" {
				omit = strings.EqualFold(valueString(v), "true")
				continue
			}
			if _, ok := l.fields[k]; !ok {
				return nil, nil, errFieldMissing(k)
			}
			criteria[k] = valueString(v)
		}
		if omit {
			omits = append(omits, criteria)
		} else {
			finds = append(finds, criteria)
		}
	}

	var found []*record
	for _, id := range l.table.order {
		r := l.table.records[id]
		matched := len(finds) == 0
		for _, criteria := range finds {
			if r.matches(criteria) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		for _, criteria := range omits {
			if r.matches(criteria) {
				matched = false
				break
			}
		}
		if matched {
			found = append(found, r)
		}
	}
	if len(found) == 0 {
		return nil, nil, errNoRecords
	}
	return l.page(s.database, found, opts)
}

func (l *layout) page(database string, recs []*record, opts ReadOptions) ([]RecordDTO, *DataInfoDTO, error) {
	sorted := append([]*record(nil), recs...)
	for _, rule := range opts.Sort {
		if _, ok := l.fields[rule.FieldName]; !ok {
			return nil, nil, errFieldMissing(rule.FieldName)
		}
	}
	if len(opts.Sort) > 0 {
		sort.SliceStable(sorted, func(i, j int) bool {
			for _, rule := range opts.Sort {
				c := compareValues(valueString(sorted[i].fields[rule.FieldName]), valueString(sorted[j].fields[rule.FieldName]))
				if c == 0 {
					continue
				}
				if strings.EqualFold(rule.SortOrder, "descend") {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	window := paginate(len(sorted), opts.Offset, opts.Limit)
	out := make([]RecordDTO, 0, window.count())
	for _, r := range sorted[window.start:window.end] {
		out = append(out, l.toDTO(database, r, opts))
	}

	return out, &DataInfoDTO{
		Database:         database,
		Layout:           l.def.Name,
		Table:            l.table.name,
		TotalRecordCount: len(l.table.records),
		FoundCount:       len(recs),
		ReturnedCount:    len(out),
	}, nil
}

type span struct{ start, end int }

func (s span) count() int { return s.end - s.start }

// paginate converts a 1-based offset and a limit into slice bounds.
// Offsets below 1 start at the first item; limits below 1 mean 100.
func paginate(total, offset, limit int) span {
	if offset < 1 {
		offset = 1
	}
	if limit < 1 {
		limit = 100
	}
	start := offset - 1
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return span{start: start, end: end}
}

func (l *layout) toDTO(database string, r *record, opts ReadOptions) RecordDTO {
	dto := RecordDTO{
		FieldData:  make(map[string]interface{}, len(l.def.Fields)),
		PortalData: make(map[string][]map[string]interface{}),
		RecordID:   strconv.Itoa(r.id),
		ModID:      strconv.Itoa(r.modID),
	}
	for _, f := range l.def.Fields {
		v, ok := r.fields[f.Name]
		if !ok {
			v = ""
		}
		dto.FieldData[f.Name] = v
	}

	names := opts.Portals
	if names == nil {
		for _, p := range l.def.Portals {
			names = append(names, p.Name)
		}
	}
	for _, name := range names {
		p, ok := l.portals[name]
		if !ok {
			continue
		}
		rows := r.portals[name]
		window := paginate(len(rows), opts.PortalOffsets[name], opts.PortalLimits[name])
		data := make([]map[string]interface{}, 0, window.count())
		for _, row := range rows[window.start:window.end] {
			item := map[string]interface{}{
				"recordId": strconv.Itoa(row.id),
				"modId":    strconv.Itoa(row.modID),
			}
			for _, f := range p.Fields {
				v, ok := row.fields[f.Name]
				if !ok {
					v = ""
				}
				item[f.Name] = v
			}
			data = append(data, item)
		}
		dto.PortalData[name] = data
		dto.PortalDataInfo = append(dto.PortalDataInfo, PortalInfoDTO{
			Portal:        name,
			Database:      database,
			Table:         p.Table,
			FoundCount:    len(rows),
			ReturnedCount: len(data),
		})
	}
	return dto
}

func (l *layout) coerceFields(fields map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for name, v := range fields {
		def, ok := l.fields[name]
		if !ok {
			return nil, errFieldMissing(name)
		}
		out[name] = coerce(def, v)
	}
	return out, nil
}

// applyPortalData creates or edits related rows. Rows carrying a recordId
// edit that row; others are appended.
func (s *Store) applyPortalData(l *layout, r *record, portalData map[string]interface{}) error {
	for name, raw := range portalData {
		p, ok := l.portals[name]
		if !ok {
			return errFieldMissing(name)
		}
		defs := make(map[string]FieldDef, len(p.Fields))
		for _, f := range p.Fields {
			defs[f.Name] = f
		}

		rows, ok := raw.([]interface{})
		if !ok {
			return errInvalidParameter("portalData." + name)
		}
		for _, rawRow := range rows {
			values, ok := rawRow.(map[string]interface{})
			if !ok {
				return errInvalidParameter("portalData." + name)
			}

			var target *portalRow
			if id, ok := values["recordId"]; ok {
				for _, existing := range r.portals[name] {
					if strconv.Itoa(existing.id) == valueString(id) {
						target = existing
						break
					}
				}
				if target == nil {
					return errRecordMissing
				}
				target.modID++
			} else {
				s.nextRowID++
				target = &portalRow{id: s.nextRowID, fields: make(map[string]interface{})}
				r.portals[name] = append(r.portals[name], target)
			}

			for k, v := range values {
				if k == "recordId" || k == "modId" {
					continue
				}
				def, ok := defs[k]
				if !ok {
					return errFieldMissing(k)
				}
				target.fields[k] = coerce(def, v)
			}
		}
	}
	return nil
}

func (r *record) matches(criteria map[string]string) bool {
	for field, crit := range criteria {
		if !matchCriterion(valueString(r.fields[field]), crit) {
			return false
		}
	}
	return true
}

// matchCriterion applies one find criterion to a field value. Supported
// forms: "=" (empty), "*" (not empty), "==x" and "=x" (exact),
// comparison operators, "a...b" ranges, "*" wildcards, and plain text,
// which matches when every word starts some word of the value.
func matchCriterion(value, crit string) bool {
	crit = strings.TrimSpace(crit)
	switch {
	case crit == "":
		return true
	case crit == "=":
		return value == ""
	case crit == "*":
		return value != ""
	case strings.HasPrefix(crit, "=="):
		return strings.EqualFold(value, crit[2:])
	case strings.HasPrefix(crit, ">="):
		return value != "" && compareValues(value, strings.TrimSpace(crit[2:])) >= 0
	case strings.HasPrefix(crit, "<="):
		return value != "" && compareValues(value, strings.TrimSpace(crit[2:])) <= 0
	case strings.HasPrefix(crit, ">"):
		return value != "" && compareValues(value, strings.TrimSpace(crit[1:])) > 0
	case strings.HasPrefix(crit, "<"):
		return value != "" && compareValues(value, strings.TrimSpace(crit[1:])) < 0
	case strings.HasPrefix(crit, "="):
		return strings.EqualFold(value, crit[1:])
	case strings.Contains(crit, "..."):
		bounds := strings.SplitN(crit, "...", 2)
		lo, hi := strings.TrimSpace(bounds[0]), strings.TrimSpace(bounds[1])
		return value != "" && compareValues(value, lo) >= 0 && compareValues(value, hi) <= 0
	case strings.Contains(crit, "*"):
		pattern := "(?i)^" + strings.ReplaceAll(regexp.QuoteMeta(crit), `\*`, ".*") + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		if re.MatchString(value) {
			return true
		}
		for _, word := range strings.Fields(value) {
			if re.MatchString(word) {
				return true
			}
		}
		return false
	}

	words := strings.Fields(strings.ToLower(value))
	for _, want := range strings.Fields(strings.ToLower(crit)) {
		hit := false
		for _, w := range words {
			if strings.HasPrefix(w, want) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// compareValues compares numerically when both sides are numbers, and
// case-insensitively otherwise
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func coerce(def FieldDef, v interface{}) interface{} {
	s := valueString(v)
	if def.Result == ResultNumber && s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

func valueString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

// LayoutNames lists layouts, grouping those in a folder under a folder entry
func (s *Store) LayoutNames() []NamedItemDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []NamedItemDTO
	folders := make(map[string]int)
	for _, name := range s.layoutOrder {
		folder := s.layouts[name].def.Folder
		item := NamedItemDTO{Name: name}
		if folder == "" {
			out = append(out, item)
			continue
		}
		idx, ok := folders[folder]
		if !ok {
			out = append(out, NamedItemDTO{Name: folder, IsFolder: true})
			idx = len(out) - 1
			folders[folder] = idx
		}
		out[idx].FolderLayoutNames = append(out[idx].FolderLayoutNames, item)
	}
	return out
}

// ScriptNames lists scripts, grouping those in a folder under a folder entry
func (s *Store) ScriptNames() []NamedItemDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []NamedItemDTO
	folders := make(map[string]int)
	for _, name := range s.scriptOrder {
		folder := s.scripts[name].folder
		item := NamedItemDTO{Name: name}
		if folder == "" {
			out = append(out, item)
			continue
		}
		idx, ok := folders[folder]
		if !ok {
			out = append(out, NamedItemDTO{Name: folder, IsFolder: true})
			idx = len(out) - 1
			folders[folder] = idx
		}
		out[idx].FolderScriptNames = append(out[idx].FolderScriptNames, item)
	}
	return out
}

// LayoutMetadata describes the fields and portals of a layout
func (s *Store) LayoutMetadata(layoutName string) (*LayoutMetaDTO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := s.layout(layoutName)
	if err != nil {
		return nil, err
	}

	meta := &LayoutMetaDTO{
		FieldMetaData:  make([]FieldMetaDTO, 0, len(l.def.Fields)),
		PortalMetaData: make(map[string][]FieldMetaDTO),
	}
	for _, f := range l.def.Fields {
		meta.FieldMetaData = append(meta.FieldMetaData, fieldMeta(l.fields[f.Name]))
	}
	for _, p := range l.def.Portals {
		fields := make([]FieldMetaDTO, 0, len(p.Fields))
		for _, f := range p.Fields {
			if f.Result == "" {
				f.Result = ResultText
			}
			if f.Kind == "" {
				f.Kind = FieldNormal
			}
			fields = append(fields, fieldMeta(f))
		}
		meta.PortalMetaData[p.Name] = fields
	}
	return meta, nil
}

// HasGlobal reports whether a fully qualified global field exists on any layout
func (s *Store) HasGlobal(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tableName, field, ok := strings.Cut(name, "::")
	if !ok {
		return false
	}
	for _, l := range s.layouts {
		if l.table.name != tableName {
			continue
		}
		if def, ok := l.fields[field]; ok && def.Global {
			return true
		}
	}
	return false
}

func fieldMeta(f FieldDef) FieldMetaDTO {
	return FieldMetaDTO{
		Name:            f.Name,
		Type:            f.Kind,
		DisplayType:     "editText",
		Result:          f.Result,
		Global:          f.Global,
		FourDigitYear:   f.Result == ResultDate,
		MaxRepeat:       1,
		Numeric:         f.Result == ResultNumber,
		RepetitionStart: 1,
		RepetitionEnd:   1,
	}
}
