// Package wire defines the JSON frame formats spoken over the WebSocket
// transport. All application frames are UTF-8 JSON documents no larger
// than MaxFrameSize including framing.
package wire

import "encoding/json"

// MaxFrameSize is the hard cap on a single inbound or outbound frame.
const MaxFrameSize = 400 * 1024

// Actions a client may request. The action switch is a closed set;
// anything else gets a plain-text error and the connection continues.
const (
	ActionValidateKey      = "ValidateKey"
	ActionSignOut          = "SignOut"
	ActionUpdateUser       = "UpdateUser"
	ActionDeleteUser       = "DeleteUser"
	ActionOpenDatabase     = "OpenDatabase"
	ActionInsert           = "Insert"
	ActionUpdate           = "Update"
	ActionDelete           = "Delete"
	ActionBatchTransaction = "BatchTransaction"
	ActionBundle           = "Bundle"
	ActionGetPasswordSalts = "GetPasswordSalts"
	ActionPong             = "Pong"
)

// Routes used on server→client frames. Responses echo the request's
// action as the route; unsolicited frames use one of the control routes
// and carry no requestId.
const (
	RouteConnection      = "Connection"
	RoutePing            = "Ping"
	RouteTransactionLog  = "TransactionLog"
	RouteBundlePublished = "BundlePublished"
	RouteSessionRevoked  = "SessionRevoked"
)

// Status codes follow HTTP conventions.
const (
	StatusOK                 = 200
	StatusBadRequest         = 400
	StatusUnauthorized       = 401
	StatusForbidden          = 403
	StatusNotFound           = 404
	StatusConflict           = 409
	StatusTooManyRequests    = 429
	StatusInternalError      = 500
	StatusServiceUnavailable = 503
	StatusGatewayTimeout     = 504
)

// Request is the single inbound frame shape.
type Request struct {
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params"`
}

// Response carries an action outcome. Errors inside a single action
// become the Response for that requestId; nothing is thrown across the
// JSON boundary.
type Response struct {
	Status int `json:"status"`
	Data   any `json:"data,omitempty"`
}

// Message is the single outbound frame shape. Exactly one of Response
// (for request replies) or the control payload fields is populated.
type Message struct {
	RequestID string    `json:"requestId,omitempty"`
	Route     string    `json:"route"`
	Response  *Response `json:"response,omitempty"`

	// Connection control frame payload.
	KeySalts                   *KeySalts `json:"keySalts,omitempty"`
	EncryptedValidationMessage []byte    `json:"encryptedValidationMessage,omitempty"`

	// TransactionLog / BundlePublished payload.
	DBID         string        `json:"dbId,omitempty"`
	DBNameHash   string        `json:"dbNameHash,omitempty"`
	Bundle       []byte        `json:"bundle,omitempty"`
	BundleSeqNo  *uint64       `json:"bundleSeqNo,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`

	// OpenDatabase bookkeeping delivered with the first TransactionLog.
	NewDatabaseParams json.RawMessage `json:"newDatabaseParams,omitempty"`
}

// OK builds a 200 reply for a request.
func OK(requestID, route string, data any) Message {
	return Message{RequestID: requestID, Route: route, Response: &Response{Status: StatusOK, Data: data}}
}

// Fail builds an error reply for a request.
func Fail(requestID, route string, status int, data any) Message {
	return Message{RequestID: requestID, Route: route, Response: &Response{Status: status, Data: data}}
}

// Command is a transaction log command kind.
type Command string

const (
	CommandInsert Command = "Insert"
	CommandUpdate Command = "Update"
	CommandDelete Command = "Delete"
)

// Valid reports whether c is one of the three log commands.
func (c Command) Valid() bool {
	return c == CommandInsert || c == CommandUpdate || c == CommandDelete
}

// Transaction is a single log record as delivered to subscribers.
type Transaction struct {
	SeqNo         uint64  `json:"seqNo"`
	Command       Command `json:"command"`
	ItemKey       string  `json:"itemKey,omitempty"`
	EncryptedItem []byte  `json:"encryptedItem,omitempty"`
	CreatedBy     string  `json:"createdBy,omitempty"`
	CreatedAt     int64   `json:"createdAt,omitempty"`
}

// KeySalts are the three client-derived salts stored opaquely per user.
type KeySalts struct {
	EncryptionKeySalt []byte `json:"encryptionKeySalt"`
	DHKeySalt         []byte `json:"dhKeySalt"`
	HMACKeySalt       []byte `json:"hmacKeySalt"`
}

// PasswordSalts are the salts a client needs to re-derive its password
// token before sign-in.
type PasswordSalts struct {
	PasswordSalt      []byte `json:"passwordSalt"`
	PasswordTokenSalt []byte `json:"passwordTokenSalt"`
}

// ValidateKeyParams is the reply to the Connection control frame.
type ValidateKeyParams struct {
	ValidationMessage []byte `json:"validationMessage"`
}

// NewDatabaseParams is the encrypted metadata supplied on first open.
type NewDatabaseParams struct {
	DBID        string          `json:"dbId"`
	Metadata    json.RawMessage `json:"metadata"`
	EncryptedDB []byte          `json:"encryptedDbKey,omitempty"`
}

// OpenDatabaseParams subscribes a connection to a database, creating it
// when NewDatabaseParams is present.
type OpenDatabaseParams struct {
	DBNameHash        string             `json:"dbNameHash"`
	NewDatabaseParams *NewDatabaseParams `json:"newDatabaseParams,omitempty"`
	ReopenAtSeqNo     *uint64            `json:"reopenAtSeqNo,omitempty"`
}

// ItemParams covers the three single-command writes.
type ItemParams struct {
	DBID          string `json:"dbId"`
	ItemKey       string `json:"itemKey"`
	EncryptedItem []byte `json:"encryptedItem,omitempty"`
}

// BatchOperation is one command inside a BatchTransaction.
type BatchOperation struct {
	Command       Command `json:"command"`
	ItemKey       string  `json:"itemKey"`
	EncryptedItem []byte  `json:"encryptedItem,omitempty"`
}

// BatchTransactionParams appends up to MaxBatchSize commands atomically.
type BatchTransactionParams struct {
	DBID       string           `json:"dbId"`
	Operations []BatchOperation `json:"operations"`
}

// MaxBatchSize caps BatchTransaction; the store's transactional write
// limit must cover it with room for condition checks.
const MaxBatchSize = 10

// BundleParams publishes a client-built snapshot at seqNo.
type BundleParams struct {
	DBID   string `json:"dbId"`
	SeqNo  uint64 `json:"seqNo"`
	Bundle []byte `json:"bundle"`
}

// UpdateUserParams mutates the signed-in user. Nil fields are left
// untouched. Password rotation requires all three password fields.
type UpdateUserParams struct {
	Username            *string         `json:"username,omitempty"`
	Email               *string         `json:"email,omitempty"`
	Profile             json.RawMessage `json:"profile,omitempty"`
	PasswordToken       []byte          `json:"passwordToken,omitempty"`
	PasswordSalts       *PasswordSalts  `json:"passwordSalts,omitempty"`
	PasswordBasedBackup []byte          `json:"passwordBasedBackup,omitempty"`
}

// RetryHint is the 429 payload; retryDelay is milliseconds.
type RetryHint struct {
	RetryDelay int `json:"retryDelay"`
}
