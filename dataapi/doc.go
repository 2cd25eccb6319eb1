// Package dataapi is a Go client for the FileMaker Data API, the REST
// interface of a record-oriented database server.
//
// # Features
//
// The package provides:
//   - Session handling with password and OAuth logins
//   - Silent re-authentication of tokens idle for more than 14 minutes
//   - Record create, edit, duplicate, delete, get, range and find calls
//   - Script execution, global fields and container uploads
//   - Server, database, layout and script metadata
//   - A uniform error classification for every reply
//   - Two transports: net/http and fasthttp
//
// # Basic Usage
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/birbparty/fmdapi/dataapi"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    config := dataapi.DefaultConfig().
//	        WithBaseURL("https://fms.example.com/fmi/data").
//	        WithDatabase("Contacts").
//	        WithCredentials("admin", "secret")
//
//	    client, err := dataapi.New(ctx, config)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer client.Close()
//	    defer client.Logout(ctx)
//
//	    created, err := client.CreateRecord(ctx, "People", map[string]interface{}{
//	        "FirstName": "Ada",
//	        "LastName":  "Lovelace",
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    record, err := client.GetRecord(ctx, "People", created.RecordID)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(record.First().FieldData["FirstName"])
//	}
//
// # Finding Records
//
// Find requests are built from query groups. Every field of a group must
// match; a group with Omit set excludes its matches:
//
//	result, err := client.FindRecords(ctx, "People", []dataapi.QueryGroup{
//	    {Fields: []dataapi.QueryField{{FieldName: "City", FieldValue: "Paris"}}},
//	    {Fields: []dataapi.QueryField{{FieldName: "Status", FieldValue: "inactive"}},
//	        Options: &dataapi.QueryOptions{Omit: true}},
//	}, dataapi.WithLimit(20), dataapi.WithSort(dataapi.Sort{FieldName: "LastName"}))
//
// A find matching nothing returns an empty Result rather than an error.
//
// # Error Handling
//
// Errors fall into a few kinds, reported by TypeOf:
//
//	_, err := client.GetRecord(ctx, "People", "42")
//	switch {
//	case errors.Is(err, dataapi.ErrAuthUnavailable):
//	    // No session and no stored login to replay
//	case dataapi.IsTokenExpired(err):
//	    // The server dropped the session
//	default:
//	    var apiErr *dataapi.APIError
//	    if errors.As(err, &apiErr) {
//	        log.Printf("code %s: %s", apiErr.Code, apiErr.Message)
//	    }
//	}
//
// # Concurrency
//
// A Client models a single session. Its token state is safe to read from
// several goroutines, but a login followed by a call is not atomic, so
// goroutines sharing a Client must serialize their calls.
package dataapi
