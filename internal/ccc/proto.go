package ccc

// Wire-shaped request/response structs for the CCC control channel. These
// are marshaled to JSON and then rebuilt as sexpr.Expr trees (FromGo), and
// parsed back the same way, mirroring the original's serde-tagged structs.

type requestHeader struct {
	ID              uint32  `json:"id"`
	Type            string  `json:"type"`
	SessionID       *string `json:"session_id,omitempty"`
	ProtocolVersion *uint32 `json:"protocol_version,omitempty"`
}

type clientLoggingData struct {
	OSName   *string `json:"os_name,omitempty"`
	DeviceID *string `json:"device_id,omitempty"`
}

type authRequestData struct {
	ClientType           string              `json:"client_type"`
	Username             *string             `json:"username,omitempty"`
	Password             *string             `json:"password,omitempty"`
	ClientLoggingData    *clientLoggingData  `json:"client_logging_data,omitempty"`
	SelectedLoginOption  *string             `json:"selectedLoginOption,omitempty"`
}

type multiChallengeRequestData struct {
	ClientType    string `json:"client_type"`
	AuthSessionID string `json:"auth_session_id"`
	UserInput     string `json:"user_input"`
}

type clientInfo struct {
	ClientType         string `json:"client_type"`
	ClientVersion      uint32 `json:"client_version"`
	ClientSupportSAML  bool   `json:"client_support_saml"`
}

type clientHelloRequestData struct {
	ClientInfo clientInfo `json:"client_info"`
}

type clientSettingsRequestInner struct{}

type signoutRequestInner struct{}

// ccRequestEnvelope's Data is the tagged "RequestData" union — only one of these
// fields is populated per request, matching the original's untagged serde
// enum (discriminated purely by which field round-trips through JSON).
type ccRequestEnvelope struct {
	Header requestHeader `json:"RequestHeader"`
	Data   interface{}   `json:"RequestData"`
}

type ccRequest struct {
	Envelope ccRequestEnvelope `json:"(CCCclientRequest"`
}

// AuthResponse is the parsed reply to Auth/MultiChallenge requests.
type AuthResponse struct {
	AuthnStatus         string  `json:"authn_status"`
	IsAuthenticated     *bool   `json:"is_authenticated,omitempty"`
	ActiveKey           *string `json:"active_key,omitempty"`
	ServerFingerprint   *string `json:"server_fingerprint,omitempty"`
	ServerCN            *string `json:"server_cn,omitempty"`
	SessionID           *string `json:"session_id,omitempty"`
	ActiveKeyTimeout    *uint64 `json:"active_key_timeout,omitempty"`
	ErrorMessage        *string `json:"error_message,omitempty"`
	ErrorID             *string `json:"error_id,omitempty"`
	ErrorCode           *uint32 `json:"error_code,omitempty"`
	Prompt              *string `json:"prompt,omitempty"`
}

// DecodedPrompt unscrambles Prompt, if present.
func (a *AuthResponse) DecodedPrompt() (string, bool) {
	if a.Prompt == nil || *a.Prompt == "" {
		return "", false
	}
	raw, err := Unscramble(*a.Prompt)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// ClientSettingsResponse is the parsed reply to a ClientSettings request.
type ClientSettingsResponse struct {
	GwInternalIP    string          `json:"gw_internal_ip"`
	UpdatedPolicies UpdatedPolicies `json:"updated_policies"`
}

// UpdatedPolicies carries the office-mode split-tunnel network ranges the
// gateway advertises.
type UpdatedPolicies struct {
	Range PolicyRange `json:"range"`
}

// PolicyRange is the list of advertised address ranges under a policy.
type PolicyRange struct {
	Settings []NetworkRange `json:"settings"`
}

// NetworkRange is an inclusive IPv4 address range the gateway advertises as
// reachable through the tunnel. From == 0.0.0.1 marks the "default route"
// placeholder entry and is not a real subnet.
type NetworkRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ResponseHeader mirrors the server's envelope header.
type ResponseHeader struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	ReturnCode uint32 `json:"return_code"`
}
