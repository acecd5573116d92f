// Package weave is a backend engine for real-time collaborative document
// editing with AI-assisted text rewriting.
//
// Clients connect over websockets and share mutable plain-text documents.
// Each client submits positional edits that are transformed against
// concurrent ones and fanned out to every subscriber of the document. A
// client may also select a range of text and ask for an AI rewrite; the
// result is applied to the document as a regular replacement edit and
// broadcast the same way.
//
// The core types live in this root package:
//
//   - [Document] is a shared plain-text document carrying its operation
//     history and collaborator set.
//   - [Collaborator] is a user's presence in a document: cursor, selection,
//     activity.
//   - [AIRequest] and [AIResult] describe an AI rewrite over a selected
//     range and its terminal outcome.
//
// # Quick Start
//
//	store := document.NewStore(document.StoreOptions{})
//	doc, _ := store.Create(ctx, "readme", "Hello World", "alice")
//
//	op := ot.NewInsert(5, ",")
//	op.UserID = "alice"
//	op.Version = doc.Version + 1
//	doc, _ = store.ApplyOperation(ctx, "readme", op)
//
// The moving parts are subpackages: [github.com/deepnoodle-ai/weave/ot]
// (operational transformation), document and session (state stores),
// broadcast (per-document serialization and fan-out), aiqueue (the durable
// AI request queue), assist (AI result integration), completer (LLM
// bindings), ws (the websocket hub), and server (the HTTP surface).
package weave
