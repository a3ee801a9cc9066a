package mcp

// Protocol methods. The set is closed: Parse rejects any method not listed here.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by identifier.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesTemplatesList is the method name for listing available resource templates.
	MethodResourcesTemplatesList = "resources/templates/list"
	// MethodResourcesSubscribe is the method name for subscribing to resource updates.
	MethodResourcesSubscribe = "resources/subscribe"
	// MethodResourcesUnsubscribe is the method name for unsubscribing from resource updates.
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodRootsList is the method name for retrieving a list of root resources.
	MethodRootsList = "roots/list"
	// MethodSamplingCreateMessage is the method name for creating a new sampling message.
	MethodSamplingCreateMessage = "sampling/createMessage"

	// MethodCompletionComplete is the method name for requesting completion suggestions.
	MethodCompletionComplete = "completion/complete"

	// MethodLoggingSetLevel is the method name for setting the minimum severity level for emitted log messages.
	MethodLoggingSetLevel = "logging/setLevel"

	MethodNotificationsInitialized          = "notifications/initialized"
	MethodNotificationsCancelled            = "notifications/cancelled"
	MethodNotificationsProgress             = "notifications/progress"
	MethodNotificationsMessage              = "notifications/message"
	MethodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	MethodNotificationsResourcesUpdated     = "notifications/resources/updated"
	MethodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	MethodNotificationsRootsListChanged     = "notifications/roots/list_changed"
)

var methodKinds = map[string]MessageKind{
	MethodInitialize:             KindRequest,
	MethodPing:                   KindRequest,
	MethodPromptsList:            KindRequest,
	MethodPromptsGet:             KindRequest,
	MethodResourcesList:          KindRequest,
	MethodResourcesRead:          KindRequest,
	MethodResourcesTemplatesList: KindRequest,
	MethodResourcesSubscribe:     KindRequest,
	MethodResourcesUnsubscribe:   KindRequest,
	MethodToolsList:              KindRequest,
	MethodToolsCall:              KindRequest,
	MethodRootsList:              KindRequest,
	MethodSamplingCreateMessage:  KindRequest,
	MethodCompletionComplete:     KindRequest,
	MethodLoggingSetLevel:        KindRequest,

	MethodNotificationsInitialized:          KindNotification,
	MethodNotificationsCancelled:            KindNotification,
	MethodNotificationsProgress:             KindNotification,
	MethodNotificationsMessage:              KindNotification,
	MethodNotificationsPromptsListChanged:   KindNotification,
	MethodNotificationsResourcesListChanged: KindNotification,
	MethodNotificationsResourcesUpdated:     KindNotification,
	MethodNotificationsToolsListChanged:     KindNotification,
	MethodNotificationsRootsListChanged:     KindNotification,
}

// LookupMethod reports whether method belongs to the protocol vocabulary and whether it is
// a request or a notification.
func LookupMethod(method string) (MessageKind, bool) {
	k, ok := methodKinds[method]
	return k, ok
}
