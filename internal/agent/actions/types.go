package actions

// ActionKind is the wire discriminator of an executor action payload.
type ActionKind string

const (
	KindCodingAgentInitialRequest  ActionKind = "CodingAgentInitialRequest"
	KindCodingAgentFollowUpRequest ActionKind = "CodingAgentFollowUpRequest"
	KindScriptRequest              ActionKind = "ScriptRequest"
)

// ActionType is the payload of one chain node. The set of implementations
// is closed to this package.
type ActionType interface {
	Kind() ActionKind
	isActionType()
}

// CodingAgentInitialRequest starts a fresh agent conversation.
type CodingAgentInitialRequest struct {
	Prompt            string            `json:"prompt"`
	ExecutorProfileID ExecutorProfileID `json:"executor_profile_id"`
}

// CodingAgentFollowUpRequest continues an existing agent conversation.
type CodingAgentFollowUpRequest struct {
	Prompt            string            `json:"prompt"`
	SessionID         string            `json:"session_id"`
	ExecutorProfileID ExecutorProfileID `json:"executor_profile_id"`
}

// ScriptLanguage selects the interpreter for a script action.
type ScriptLanguage string

const (
	ScriptLanguageBash   ScriptLanguage = "bash"
	ScriptLanguageSh     ScriptLanguage = "sh"
	ScriptLanguagePython ScriptLanguage = "python"
)

// ScriptContext says what a script is for.
type ScriptContext string

const (
	ScriptContextSetup   ScriptContext = "setupscript"
	ScriptContextCleanup ScriptContext = "cleanupscript"
	ScriptContextDev     ScriptContext = "devserver"
)

// ScriptRequest runs a shell or python script inside the attempt workspace.
type ScriptRequest struct {
	Script   string         `json:"script"`
	Language ScriptLanguage `json:"language"`
	Context  ScriptContext  `json:"context"`
}

func (CodingAgentInitialRequest) Kind() ActionKind  { return KindCodingAgentInitialRequest }
func (CodingAgentFollowUpRequest) Kind() ActionKind { return KindCodingAgentFollowUpRequest }
func (ScriptRequest) Kind() ActionKind              { return KindScriptRequest }

func (CodingAgentInitialRequest) isActionType()  {}
func (CodingAgentFollowUpRequest) isActionType() {}
func (ScriptRequest) isActionType()              {}

// Interpreter returns the argv prefix that runs the script body.
func (s ScriptRequest) Interpreter() []string {
	switch s.Language {
	case ScriptLanguageBash:
		return []string{"bash", "-c"}
	case ScriptLanguagePython:
		return []string{"python3", "-c"}
	default:
		return []string{"sh", "-c"}
	}
}
