package client

// RPCRequest and RPCResponse mirror server.RPCRequest/server.RPCResponse
// field-for-field (JSON tags must match exactly since they cross the process
// boundary). Kept as a separate copy rather than an import of the server
// package, the way the teacher kept client and server RPC DTOs independent
// even though both described the same wire shape.
type RPCRequest struct {
	Op       string                 `json:"op"`
	ClientIP string                 `json:"clientIP"`
	ConnHash string                 `json:"connHash"`
	Session  string                 `json:"session,omitempty"`
	DSN      string                 `json:"dsn,omitempty"`
	IsXA     bool                   `json:"isXA,omitempty"`
	Query    string                 `json:"query,omitempty"`
	Params   []interface{}          `json:"params,omitempty"`
	Xid      *WireXid               `json:"xid,omitempty"`
	Flags    int32                  `json:"flags,omitempty"`
	OnePhase bool                   `json:"onePhase,omitempty"`
	Timeout  int                    `json:"timeoutSeconds,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

type WireXid struct {
	FormatID int32  `json:"formatId"`
	Gtrid    []byte `json:"gtrid"`
	Bqual    []byte `json:"bqual"`
}

type RPCResponse struct {
	Session  string          `json:"session,omitempty"`
	Columns  []string        `json:"columns,omitempty"`
	Rows     [][]interface{} `json:"rows,omitempty"`
	Updated  int64           `json:"updated,omitempty"`
	Xids     []WireXid       `json:"xids,omitempty"`
	Prepared bool            `json:"prepared,omitempty"`
	Error    string          `json:"error,omitempty"`
}
