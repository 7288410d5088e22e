package bus

// Agent lifecycle and activity topics.
const (
	TopicAgentRegistered   = "agent.registered"
	TopicAgentDisconnected = "agent.disconnected"
	TopicAgentErrored      = "agent.errored"
	TopicActivityUpdated   = "activity.updated"
	TopicActivityReset     = "activity.reset"
	TopicTaskCompleted     = "task.completed"
	TopicDecisionNoted     = "decision.noted"
)

// DOM-editing session topics.
const (
	TopicDOMConnected        = "dom.connected"
	TopicDOMElementSelected  = "dom.element_selected"
	TopicDOMStylesUpdated    = "dom.styles_updated"
	TopicDOMElementRemoved   = "dom.element_removed"
	TopicDOMChangesReset     = "dom.changes_reset"
	TopicDOMSnapshot         = "dom.page_snapshot"
	TopicDOMChangesDetected  = "dom.changes_detected"
	TopicDOMDisconnected     = "dom.disconnected"
	TopicDOMRemovalRequested = "dom.code_removal_requested"
)

// TopicDecisionFileChanged is published when the decision record is
// modified outside the hub. The payload is the generic "update" signal;
// both watcher backends emit the identical shape.
const TopicDecisionFileChanged = "decision.file_changed"
