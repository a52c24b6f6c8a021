// Package rpc carries the ledger.Client contract over the network.
//
// History is a JSON request/response over HTTP:
//
//	POST /events  {"account","after_seq","after_id","page_token","limit"}
//	           -> {"events":[record...],"next_page_token","at_tip"}
//
// Live events arrive over a WebSocket, one wire record per text frame:
//
//	GET /live?account=<key>
//
// Records use the ledger package's wire format and are validated by
// ledger.Decode on the client side.
package rpc
