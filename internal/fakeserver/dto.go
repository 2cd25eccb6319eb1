package fakeserver

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Data API message codes
const (
	CodeOK               = "0"
	CodeUnsupported      = "3"
	CodeRecordMissing    = "101"
	CodeFieldMissing     = "102"
	CodeScriptMissing    = "104"
	CodeLayoutMissing    = "105"
	CodeAccountInvalid   = "212"
	CodeModIDMismatch    = "306"
	CodeNoRecords        = "401"
	CodeDatabaseMissing  = "802"
	CodeInvalidToken     = "952"
	CodeInvalidParameter = "960"
	CodeInvalidJSON      = "1708"
)

// Message is one entry of the messages list
type Message struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the body of every reply
type Envelope struct {
	Response interface{} `json:"response"`
	Messages []Message   `json:"messages"`
}

// OK wraps payload in a success envelope
func OK(payload interface{}) *Envelope {
	if payload == nil {
		payload = fiber.Map{}
	}
	return &Envelope{Response: payload, Messages: []Message{{Code: CodeOK, Message: "OK"}}}
}

// Fail builds an error envelope
func Fail(code, message string) *Envelope {
	return &Envelope{Response: fiber.Map{}, Messages: []Message{{Code: code, Message: message}}}
}

// APIError is an application error carrying the HTTP status it is sent with
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

func newAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

var (
	errInvalidToken   = newAPIError(fiber.StatusUnauthorized, CodeInvalidToken, "Invalid FileMaker Data API token (*)")
	errInvalidAccount = newAPIError(fiber.StatusUnauthorized, CodeAccountInvalid, "Invalid user account and/or password; please try again")
	errNoRecords      = newAPIError(fiber.StatusInternalServerError, CodeNoRecords, "No records match the request")
	errRecordMissing  = newAPIError(fiber.StatusInternalServerError, CodeRecordMissing, "Record is missing")
	errLayoutMissing  = newAPIError(fiber.StatusInternalServerError, CodeLayoutMissing, "Layout is missing")
	errScriptMissing  = newAPIError(fiber.StatusInternalServerError, CodeScriptMissing, "Script is missing")
	errModIDMismatch  = newAPIError(fiber.StatusInternalServerError, CodeModIDMismatch, "Record modification id does not match")
	errDatabase       = newAPIError(fiber.StatusInternalServerError, CodeDatabaseMissing, "Unable to open file")
	errUnsupported    = newAPIError(fiber.StatusNotFound, CodeUnsupported, "Unsupported command")
)

func errFieldMissing(field string) *APIError {
	return newAPIError(fiber.StatusInternalServerError, CodeFieldMissing, fmt.Sprintf("Field is missing: %s", field))
}

func errInvalidJSON(detail string) *APIError {
	return newAPIError(fiber.StatusBadRequest, CodeInvalidJSON, "Parameter value is invalid: "+detail)
}

func errInvalidParameter(name string) *APIError {
	return newAPIError(fiber.StatusBadRequest, CodeInvalidParameter, "Invalid parameter: "+name)
}

// RecordDTO is a record as the Data API returns it
type RecordDTO struct {
	FieldData      map[string]interface{}              `json:"fieldData"`
	PortalData     map[string][]map[string]interface{} `json:"portalData"`
	PortalDataInfo []PortalInfoDTO                     `json:"portalDataInfo,omitempty"`
	RecordID       string                              `json:"recordId"`
	ModID          string                              `json:"modId"`
}

// PortalInfoDTO describes the returned window of one portal
type PortalInfoDTO struct {
	Portal        string `json:"portalObjectName"`
	Database      string `json:"database"`
	Table         string `json:"table"`
	FoundCount    int    `json:"foundCount"`
	ReturnedCount int    `json:"returnedCount"`
}

// DataInfoDTO describes a found set
type DataInfoDTO struct {
	Database         string `json:"database"`
	Layout           string `json:"layout"`
	Table            string `json:"table"`
	TotalRecordCount int    `json:"totalRecordCount"`
	FoundCount       int    `json:"foundCount"`
	ReturnedCount    int    `json:"returnedCount"`
}

// NamedItemDTO is a layout, script or database entry, possibly a folder
type NamedItemDTO struct {
	Name              string         `json:"name"`
	IsFolder          bool           `json:"isFolder,omitempty"`
	FolderLayoutNames []NamedItemDTO `json:"folderLayoutNames,omitempty"`
	FolderScriptNames []NamedItemDTO `json:"folderScriptNames,omitempty"`
}

// FieldMetaDTO describes one field of a layout
type FieldMetaDTO struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	DisplayType     string `json:"displayType"`
	Result          string `json:"result"`
	Global          bool   `json:"global"`
	AutoEnter       bool   `json:"autoEnter"`
	FourDigitYear   bool   `json:"fourDigitYear"`
	MaxRepeat       int    `json:"maxRepeat"`
	MaxCharacters   int    `json:"maxCharacters"`
	NotEmpty        bool   `json:"notEmpty"`
	Numeric         bool   `json:"numeric"`
	TimeOfDay       bool   `json:"timeOfDay"`
	RepetitionStart int    `json:"repetitionStart"`
	RepetitionEnd   int    `json:"repetitionEnd"`
}

// LayoutMetaDTO is the reply of the layout metadata request
type LayoutMetaDTO struct {
	FieldMetaData  []FieldMetaDTO            `json:"fieldMetaData"`
	PortalMetaData map[string][]FieldMetaDTO `json:"portalMetaData"`
}

// SortDTO is one sort rule of a read request
type SortDTO struct {
	FieldName string `json:"fieldName"`
	SortOrder string `json:"sortOrder"`
}
