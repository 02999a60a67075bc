// Package kvserver serves the key-value command protocol over mutually
// authenticated TLS.
//
// Framing is newline-delimited JSON. Each request line
//
//	{"cmd":"set","args":{"k":"a","v":"1"}}
//
// produces exactly one response line
//
//	{"status":"success","command":"set","data":"OK"}
//
// Commands from one connection execute in send order; commands from all
// connections share one global order (see service.Serializer).
//
// After the handshake the certificate identity is checked by a
// service.Authorizer. A rejected identity receives one error line and the
// connection is closed. Identities with a password must send
//
//	{"cmd":"login","args":{"k":"<identity>","v":"<password>"}}
//
// before any other command.
package kvserver
