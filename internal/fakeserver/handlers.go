package fakeserver

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Handler serves the Data API endpoints
type Handler struct {
	config   *Config
	store    *Store
	sessions *SessionStore
	log      logrus.FieldLogger
}

// NewHandler creates a handler over store and sessions
func NewHandler(config *Config, store *Store, sessions *SessionStore, log logrus.FieldLogger) *Handler {
	return &Handler{
		config:   config,
		store:    store,
		sessions: sessions,
		log:      log,
	}
}

// ProductInfo handles GET /fmi/data/:version/productInfo
func (h *Handler) ProductInfo(c *fiber.Ctx) error {
	return c.JSON(OK(fiber.Map{
		"productInfo": fiber.Map{
			"name":            "FileMaker Data API Engine",
			"buildDate":       "03/27/2025",
			"version":         h.config.ProductVersion,
			"dateFormat":      "MM/dd/yyyy",
			"timeFormat":      "HH:mm:ss",
			"timeStampFormat": "MM/dd/yyyy HH:mm:ss",
		},
	}))
}

// DatabaseNames handles GET /fmi/data/:version/databases
func (h *Handler) DatabaseNames(c *fiber.Ctx) error {
	user, pass, ok := basicCredentials(c.Get(fiber.HeaderAuthorization))
	if !ok || user != h.config.Username || pass != h.config.Password {
		return errInvalidAccount
	}
	return c.JSON(OK(fiber.Map{
		"databases": []NamedItemDTO{{Name: h.store.Database()}},
	}))
}

// ValidateSession handles GET /fmi/data/:version/validateSession
func (h *Handler) ValidateSession(c *fiber.Ctx) error {
	return c.JSON(OK(nil))
}

// Login handles POST /fmi/data/:version/databases/:database/sessions
func (h *Handler) Login(c *fiber.Ctx) error {
	if _, err := parseBody(c); err != nil {
		return err
	}

	var account string
	if strings.EqualFold(c.Get("X-FM-Data-Login-Type"), "oauth") {
		requestID := c.Get("X-FM-Data-OAuth-Request-Id")
		identifier := c.Get("X-FM-Data-OAuth-Identifier")
		if !h.config.AllowOAuth || requestID == "" || identifier == "" {
			return errInvalidAccount
		}
		account = "oauth:" + identifier
	} else {
		user, pass, ok := basicCredentials(c.Get(fiber.HeaderAuthorization))
		if !ok || user != h.config.Username || pass != h.config.Password {
			return errInvalidAccount
		}
		account = user
	}

	token := h.sessions.Open(account)
	h.log.WithField("account", account).Debug("Session opened")

	c.Set("X-FM-Data-Access-Token", token)
	return c.JSON(OK(fiber.Map{"token": token}))
}

// Logout handles DELETE /fmi/data/:version/databases/:database/sessions/:token
func (h *Handler) Logout(c *fiber.Ctx) error {
	token, err := param(c, "token")
	if err != nil {
		return err
	}
	if !h.sessions.Close(token) {
		return errInvalidToken
	}
	return c.JSON(OK(nil))
}

// Layouts handles GET /databases/:database/layouts
func (h *Handler) Layouts(c *fiber.Ctx) error {
	return c.JSON(OK(fiber.Map{"layouts": h.store.LayoutNames()}))
}

// Scripts handles GET /databases/:database/scripts
func (h *Handler) Scripts(c *fiber.Ctx) error {
	return c.JSON(OK(fiber.Map{"scripts": h.store.ScriptNames()}))
}

// LayoutMetadata handles GET /databases/:database/layouts/:layout
func (h *Handler) LayoutMetadata(c *fiber.Ctx) error {
	layout, err := param(c, "layout")
	if err != nil {
		return err
	}
	meta, err := h.store.LayoutMetadata(layout)
	if err != nil {
		return err
	}
	return c.JSON(OK(meta))
}

// SetGlobals handles PATCH /databases/:database/globals
func (h *Handler) SetGlobals(c *fiber.Ctx) error {
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	fields, ok := body["globalFields"].(map[string]interface{})
	if !ok {
		return errInvalidParameter("globalFields")
	}

	values := make(map[string]string, len(fields))
	for name, v := range fields {
		if !h.store.HasGlobal(name) {
			return errFieldMissing(name)
		}
		values[name] = valueString(v)
	}

	sess := c.Locals(localsSession).(*Session)
	h.sessions.SetGlobals(sess.Token, values)
	return c.JSON(OK(nil))
}

// CreateRecord handles POST /layouts/:layout/records
func (h *Handler) CreateRecord(c *fiber.Ctx) error {
	layout, err := param(c, "layout")
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	fieldData, ok := body["fieldData"].(map[string]interface{})
	if !ok {
		return errInvalidParameter("fieldData")
	}
	portalData, _ := body["portalData"].(map[string]interface{})

	payload := fiber.Map{}
	get := bodyGetter(body)
	h.runScript(get, "scriptprerequest", ".prerequest", payload)

	recordID, modID, err := h.store.Create(layout, fieldData, portalData)
	if err != nil {
		return err
	}

	h.runScript(get, "scriptpresort", ".presort", payload)
	h.runScript(get, "script", "", payload)
	payload["recordId"] = recordID
	payload["modId"] = modID
	return c.JSON(OK(payload))
}

// EditRecord handles PATCH /layouts/:layout/records/:recordId
func (h *Handler) EditRecord(c *fiber.Ctx) error {
	layout, recordID, err := layoutAndRecord(c)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	fieldData, ok := body["fieldData"].(map[string]interface{})
	if !ok {
		return errInvalidParameter("fieldData")
	}
	portalData, _ := body["portalData"].(map[string]interface{})

	payload := fiber.Map{}
	get := bodyGetter(body)
	h.runScript(get, "scriptprerequest", ".prerequest", payload)

	modID, err := h.store.Edit(layout, recordID, fieldData, portalData, get("modId"))
	if err != nil {
		return err
	}

	h.runScript(get, "scriptpresort", ".presort", payload)
	h.runScript(get, "script", "", payload)
	payload["modId"] = modID
	return c.JSON(OK(payload))
}

// DuplicateRecord handles POST /layouts/:layout/records/:recordId
func (h *Handler) DuplicateRecord(c *fiber.Ctx) error {
	layout, recordID, err := layoutAndRecord(c)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}

	payload := fiber.Map{}
	get := bodyGetter(body)
	h.runScript(get, "scriptprerequest", ".prerequest", payload)

	newID, modID, err := h.store.Duplicate(layout, recordID)
	if err != nil {
		return err
	}

	h.runScript(get, "scriptpresort", ".presort", payload)
	h.runScript(get, "script", "", payload)
	payload["recordId"] = newID
	payload["modId"] = modID
	return c.JSON(OK(payload))
}

// DeleteRecord handles DELETE /layouts/:layout/records/:recordId
func (h *Handler) DeleteRecord(c *fiber.Ctx) error {
	layout, recordID, err := layoutAndRecord(c)
	if err != nil {
		return err
	}

	payload := fiber.Map{}
	get := queryGetter(c)
	h.runScript(get, "scriptprerequest", ".prerequest", payload)

	if err := h.store.Delete(layout, recordID); err != nil {
		return err
	}

	h.runScript(get, "scriptpresort", ".presort", payload)
	h.runScript(get, "script", "", payload)
	return c.JSON(OK(payload))
}

// GetRecord handles GET /layouts/:layout/records/:recordId
func (h *Handler) GetRecord(c *fiber.Ctx) error {
	layout, recordID, err := layoutAndRecord(c)
	if err != nil {
		return err
	}
	opts, err := queryReadOptions(c)
	if err != nil {
		return err
	}
	layout, err = h.responseLayout(layout, c.Query("layout.response"))
	if err != nil {
		return err
	}

	payload := fiber.Map{}
	get := queryGetter(c)
	h.runScript(get, "scriptprerequest", ".prerequest", payload)

	data, info, err := h.store.Get(layout, recordID, opts)
	if err != nil {
		return err
	}

	h.runScript(get, "scriptpresort", ".presort", payload)
	h.runScript(get, "script", "", payload)
	payload["data"] = data
	payload["dataInfo"] = info
	return c.JSON(OK(payload))
}

// GetRecords handles GET /layouts/:layout/records
func (h *Handler) GetRecords(c *fiber.Ctx) error {
	layout, err := param(c, "layout")
	if err != nil {
		return err
	}
	opts, err := queryReadOptions(c)
	if err != nil {
		return err
	}
	layout, err = h.responseLayout(layout, c.Query("layout.response"))
	if err != nil {
		return err
	}

	payload := fiber.Map{}
	get := queryGetter(c)
	h.runScript(get, "scriptprerequest", ".prerequest", payload)

	data, info, err := h.store.Range(layout, opts)
	if err != nil {
		return err
	}

	h.runScript(get, "scriptpresort", ".presort", payload)
	h.runScript(get, "script", "", payload)
	payload["data"] = data
	payload["dataInfo"] = info
	return c.JSON(OK(payload))
}

// FindRecords handles POST /layouts/:layout/_find
func (h *Handler) FindRecords(c *fiber.Ctx) error {
	layout, err := param(c, "layout")
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}

	rawQuery, ok := body["query"].([]interface{})
	if !ok {
		return errInvalidParameter("query")
	}
	query := make([]map[string]interface{}, 0, len(rawQuery))
	for _, item := range rawQuery {
		group, ok := item.(map[string]interface{})
		if !ok {
			return errInvalidParameter("query")
		}
		query = append(query, group)
	}

	opts, err := bodyReadOptions(body)
	if err != nil {
		return err
	}
	get := bodyGetter(body)
	layout, err = h.responseLayout(layout, get("layout.response"))
	if err != nil {
		return err
	}

	payload := fiber.Map{}
	h.runScript(get, "scriptprerequest", ".prerequest", payload)

	data, info, err := h.store.Find(layout, query, opts)
	if err != nil {
		return err
	}

	h.runScript(get, "scriptpresort", ".presort", payload)
	h.runScript(get, "script", "", payload)
	payload["data"] = data
	payload["dataInfo"] = info
	return c.JSON(OK(payload))
}

// ExecuteScript handles GET /layouts/:layout/script/:script
func (h *Handler) ExecuteScript(c *fiber.Ctx) error {
	layout, err := param(c, "layout")
	if err != nil {
		return err
	}
	name, err := param(c, "script")
	if err != nil {
		return err
	}
	if !h.store.HasLayout(layout) {
		return errLayoutMissing
	}

	result, code := h.store.RunScript(name, c.Query("script.param"))
	if code == CodeScriptMissing {
		return errScriptMissing
	}

	payload := fiber.Map{"scriptError": code}
	if code == CodeOK {
		payload["scriptResult"] = result
	}
	return c.JSON(OK(payload))
}

// UploadContainer handles POST /layouts/:layout/records/:recordId/containers/:field/:repetition
func (h *Handler) UploadContainer(c *fiber.Ctx) error {
	layout, recordID, err := layoutAndRecord(c)
	if err != nil {
		return err
	}
	field, err := param(c, "field")
	if err != nil {
		return err
	}
	repetition, err := strconv.Atoi(c.Params("repetition"))
	if err != nil {
		return errInvalidParameter("repetition")
	}

	header, err := c.FormFile("upload")
	if err != nil {
		return errInvalidParameter("upload")
	}
	file, err := header.Open()
	if err != nil {
		return err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	modID, err := h.store.Upload(layout, recordID, field, repetition, header.Filename, data)
	if err != nil {
		return err
	}

	h.log.WithFields(logrus.Fields{
		"layout":   layout,
		"recordId": recordID,
		"field":    field,
		"bytes":    len(data),
	}).Debug("Container uploaded")
	return c.JSON(OK(fiber.Map{"modId": modID}))
}

// runScript runs the script named by key, if any, and stores its result
// and error code under keys ending in suffix
func (h *Handler) runScript(get func(string) string, key, suffix string, payload fiber.Map) {
	name := get(key)
	if name == "" {
		return
	}
	result, code := h.store.RunScript(name, get(key+".param"))
	payload["scriptError"+suffix] = code
	if code == CodeOK {
		payload["scriptResult"+suffix] = result
	}
}

// responseLayout returns the layout records are rendered with
func (h *Handler) responseLayout(layout, override string) (string, error) {
	if override == "" {
		return layout, nil
	}
	if !h.store.HasLayout(layout) {
		return "", errLayoutMissing
	}
	if !h.store.HasLayout(override) {
		return "", errLayoutMissing
	}
	return override, nil
}

func layoutAndRecord(c *fiber.Ctx) (string, string, error) {
	layout, err := param(c, "layout")
	if err != nil {
		return "", "", err
	}
	recordID, err := param(c, "recordId")
	if err != nil {
		return "", "", err
	}
	return layout, recordID, nil
}

// parseBody decodes a JSON object body. An empty body is an empty object.
func parseBody(c *fiber.Ctx) (map[string]interface{}, error) {
	body := make(map[string]interface{})
	raw := c.Body()
	if len(strings.TrimSpace(string(raw))) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errInvalidJSON(err.Error())
	}
	return body, nil
}

func bodyGetter(body map[string]interface{}) func(string) string {
	return func(key string) string {
		return valueString(body[key])
	}
}

func queryGetter(c *fiber.Ctx) func(string) string {
	return func(key string) string {
		return c.Query(key)
	}
}

// queryReadOptions reads the GET forms: _offset, _limit, _sort, portal,
// _offset.<portal> and _limit.<portal>
func queryReadOptions(c *fiber.Ctx) (ReadOptions, error) {
	var opts ReadOptions
	var err error

	if opts.Offset, err = optionalInt(c.Query("_offset"), "_offset"); err != nil {
		return opts, err
	}
	if opts.Limit, err = optionalInt(c.Query("_limit"), "_limit"); err != nil {
		return opts, err
	}
	if raw := c.Query("_sort"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Sort); err != nil {
			return opts, errInvalidParameter("_sort")
		}
	}
	if raw := c.Query("portal"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Portals); err != nil {
			return opts, errInvalidParameter("portal")
		}
		if opts.Portals == nil {
			opts.Portals = []string{}
		}
	}

	opts.PortalOffsets = make(map[string]int)
	opts.PortalLimits = make(map[string]int)
	for _, name := range opts.Portals {
		if opts.PortalOffsets[name], err = optionalInt(c.Query("_offset."+name), "_offset."+name); err != nil {
			return opts, err
		}
		if opts.PortalLimits[name], err = optionalInt(c.Query("_limit."+name), "_limit."+name); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// bodyReadOptions reads the find forms: offset, limit, sort, portal,
// offset.<portal> and limit.<portal>
func bodyReadOptions(body map[string]interface{}) (ReadOptions, error) {
	var opts ReadOptions
	var err error

	if opts.Offset, err = optionalInt(valueString(body["offset"]), "offset"); err != nil {
		return opts, err
	}
	if opts.Limit, err = optionalInt(valueString(body["limit"]), "limit"); err != nil {
		return opts, err
	}
	if raw, ok := body["sort"]; ok {
		if err := remarshal(raw, &opts.Sort); err != nil {
			return opts, errInvalidParameter("sort")
		}
	}
	if raw, ok := body["portal"]; ok {
		if err := remarshal(raw, &opts.Portals); err != nil {
			return opts, errInvalidParameter("portal")
		}
		if opts.Portals == nil {
			opts.Portals = []string{}
		}
	}

	opts.PortalOffsets = make(map[string]int)
	opts.PortalLimits = make(map[string]int)
	for _, name := range opts.Portals {
		if opts.PortalOffsets[name], err = optionalInt(valueString(body["offset."+name]), "offset."+name); err != nil {
			return opts, err
		}
		if opts.PortalLimits[name], err = optionalInt(valueString(body["limit."+name]), "limit."+name); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func optionalInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errInvalidParameter(name)
	}
	return n, nil
}

func remarshal(in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
