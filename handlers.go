package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

func (s *Server) builtinHandlers() map[string]MethodHandler {
	hs := map[string]MethodHandler{
		MethodInitialize:                    HandlerFunc(s.handleInitialize),
		MethodPing:                          HandlerFunc(s.handlePing),
		MethodLoggingSetLevel:               HandlerFunc(s.handleSetLogLevel),
		MethodNotificationsInitialized:      HandlerFunc(s.handleInitialized),
		MethodNotificationsCancelled:        HandlerFunc(s.handleCancelled),
		MethodNotificationsRootsListChanged: HandlerFunc(s.handleRootsListChanged),
	}
	if s.registry == nil {
		return hs
	}

	hs[MethodToolsList] = HandlerFunc(s.handleListTools)
	hs[MethodToolsCall] = HandlerFunc(s.handleCallTool)
	hs[MethodResourcesList] = HandlerFunc(s.handleListResources)
	hs[MethodResourcesRead] = HandlerFunc(s.handleReadResource)
	hs[MethodResourcesTemplatesList] = HandlerFunc(s.handleListResourceTemplates)
	hs[MethodResourcesSubscribe] = HandlerFunc(s.handleSubscribe)
	hs[MethodResourcesUnsubscribe] = HandlerFunc(s.handleUnsubscribe)
	hs[MethodPromptsList] = HandlerFunc(s.handleListPrompts)
	hs[MethodPromptsGet] = HandlerFunc(s.handleGetPrompt)
	hs[MethodCompletionComplete] = HandlerFunc(s.handleComplete)
	return hs
}

func decodeParams[T any](msg Message) (*Request, T, error) {
	var params T
	req, ok := msg.(*Request)
	if !ok {
		return nil, params, fmt.Errorf("%w: expected a request, got a %s", ErrInvalidParams, msg.Kind())
	}
	if len(req.Params) == 0 {
		return req, params, nil
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return req, params, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return req, params, nil
}

func (s *Server) handleInitialize(_ context.Context, msg Message, sess *Session) (Message, error) {
	req, params, err := decodeParams[InitializeParams](msg)
	if err != nil {
		return nil, err
	}
	if params.ProtocolVersion == "" {
		return nil, fmt.Errorf("%w: protocolVersion is required", ErrInvalidParams)
	}

	// Unknown versions are answered with the newest one; the client decides whether to go on.
	version := ProtocolVersion
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	sess.Set(SessionKeyClientInfo, params.ClientInfo)
	sess.Set(SessionKeyClientCapabilities, params.Capabilities)
	sess.Set(SessionKeyProtocolVersion, version)

	s.logger.Info("client initializing",
		slog.String("sessionID", sess.ID().String()),
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocolVersion", version))

	return NewResponse(req.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	})
}

func (s *Server) handlePing(_ context.Context, msg Message, _ *Session) (Message, error) {
	return NewResponse(msg.(*Request).ID, nil)
}

func (s *Server) handleInitialized(_ context.Context, _ Message, sess *Session) (Message, error) {
	sess.Set(SessionKeyInitialized, true)
	return nil, nil
}

// handleCancelled accepts the notification without aborting anything: requests of a
// session are processed one at a time, so the cancelled request has already been answered.
func (s *Server) handleCancelled(_ context.Context, msg Message, sess *Session) (Message, error) {
	var params CancelledParams
	if n, ok := msg.(*Notification); ok && len(n.Params) > 0 {
		if err := json.Unmarshal(n.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
	}
	s.logger.Info("client cancelled request",
		slog.String("sessionID", sess.ID().String()),
		slog.String("requestID", params.RequestID.String()),
		slog.String("reason", params.Reason))
	return nil, nil
}

func (s *Server) handleRootsListChanged(_ context.Context, _ Message, sess *Session) (Message, error) {
	s.logger.Debug("client roots changed", slog.String("sessionID", sess.ID().String()))
	return nil, nil
}

func (s *Server) handleSetLogLevel(_ context.Context, msg Message, sess *Session) (Message, error) {
	req, params, err := decodeParams[SetLogLevelParams](msg)
	if err != nil {
		return nil, err
	}
	sess.Set(SessionKeyLogLevel, params.Level.String())
	return NewResponse(req.ID, nil)
}

func (s *Server) handleListTools(ctx context.Context, msg Message, _ *Session) (Message, error) {
	req, params, err := decodeParams[ListToolsParams](msg)
	if err != nil {
		return nil, err
	}
	page, err := s.registry.Tools(ctx, s.pageSize, params.Cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return NewResponse(req.ID, ListToolsResult{Tools: emptyIfNil(page.Items), NextCursor: page.NextCursor})
}

func (s *Server) handleListResources(ctx context.Context, msg Message, _ *Session) (Message, error) {
	req, params, err := decodeParams[ListResourcesParams](msg)
	if err != nil {
		return nil, err
	}
	page, err := s.registry.Resources(ctx, s.pageSize, params.Cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return NewResponse(req.ID, ListResourcesResult{Resources: emptyIfNil(page.Items), NextCursor: page.NextCursor})
}

func (s *Server) handleListResourceTemplates(ctx context.Context, msg Message, _ *Session) (Message, error) {
	req, params, err := decodeParams[ListResourceTemplatesParams](msg)
	if err != nil {
		return nil, err
	}
	page, err := s.registry.ResourceTemplates(ctx, s.pageSize, params.Cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource templates: %w", err)
	}
	return NewResponse(req.ID, ListResourceTemplatesResult{
		Templates:  emptyIfNil(page.Items),
		NextCursor: page.NextCursor,
	})
}

func (s *Server) handleListPrompts(ctx context.Context, msg Message, _ *Session) (Message, error) {
	req, params, err := decodeParams[ListPromptsParams](msg)
	if err != nil {
		return nil, err
	}
	page, err := s.registry.Prompts(ctx, s.pageSize, params.Cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return NewResponse(req.ID, ListPromptResult{Prompts: emptyIfNil(page.Items), NextCursor: page.NextCursor})
}

// handleCallTool reports execution failures inside the result with IsError set, so the
// model sees them; only an unknown tool is a protocol error.
func (s *Server) handleCallTool(ctx context.Context, msg Message, _ *Session) (Message, error) {
	req, params, err := decodeParams[CallToolParams](msg)
	if err != nil {
		return nil, err
	}
	ref, ok := s.registry.Tool(params.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, params.Name)
	}

	raw, err := s.executor.CallTool(ctx, ref, params.Arguments)
	if err != nil {
		s.logger.Warn("tool execution failed", slog.String("tool", params.Name), slog.String("err", err.Error()))
		return NewResponse(req.ID, CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
			IsError: true,
		})
	}
	result, err := toolResult(raw)
	if err != nil {
		return nil, err
	}
	return NewResponse(req.ID, result)
}

func (s *Server) handleReadResource(ctx context.Context, msg Message, _ *Session) (Message, error) {
	req, params, err := decodeParams[ReadResourceParams](msg)
	if err != nil {
		return nil, err
	}
	ref, ok := s.registry.Resource(params.URI)
	if !ok {
		return nil, resourceNotFound(params.URI)
	}

	raw, err := s.executor.ReadResource(ctx, ref, params.URI)
	if errors.Is(err, ErrResourceNotFound) {
		s.logger.Debug("resource reader found nothing",
			slog.String("uri", params.URI), slog.String("err", err.Error()))
		return nil, resourceNotFound(params.URI)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", params.URI, err)
	}
	result, err := resourceResult(raw, ref, params.URI)
	if err != nil {
		return nil, err
	}
	return NewResponse(req.ID, result)
}

func (s *Server) handleGetPrompt(ctx context.Context, msg Message, _ *Session) (Message, error) {
	req, params, err := decodeParams[GetPromptParams](msg)
	if err != nil {
		return nil, err
	}
	ref, ok := s.registry.Prompt(params.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, params.Name)
	}
	for _, arg := range ref.Prompt.Arguments {
		if _, ok := params.Arguments[arg.Name]; arg.Required && !ok {
			return nil, fmt.Errorf("%w: missing required argument %q", ErrInvalidParams, arg.Name)
		}
	}

	raw, err := s.executor.GetPrompt(ctx, ref, params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt %s: %w", params.Name, err)
	}
	result, err := promptResult(raw, ref)
	if err != nil {
		return nil, err
	}
	return NewResponse(req.ID, result)
}

func (s *Server) handleComplete(ctx context.Context, msg Message, _ *Session) (Message, error) {
	req, params, err := decodeParams[CompletesCompletionParams](msg)
	if err != nil {
		return nil, err
	}

	var providers map[string]CompletionProvider
	switch params.Ref.Type {
	case CompletionRefPrompt:
		ref, ok := s.registry.Prompt(params.Ref.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, params.Ref.Name)
		}
		providers = ref.Completions
	case CompletionRefResource:
		ref, ok := s.registry.ResourceTemplate(params.Ref.URI)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, params.Ref.URI)
		}
		providers = ref.Completions
	default:
		return nil, fmt.Errorf("%w: unknown reference type %q", ErrInvalidParams, params.Ref.Type)
	}

	values := []string{}
	if provider, ok := providers[params.Argument.Name]; ok {
		vs, err := provider.Complete(ctx, params.Argument.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to complete %s: %w", params.Argument.Name, err)
		}
		values = append(values, vs...)
	}

	res := CompletionResult{Completion: CompletionValues{Values: values, Total: len(values)}}
	if len(values) > maxCompletionValues {
		res.Completion.Values = values[:maxCompletionValues]
		res.Completion.HasMore = true
	}
	return NewResponse(req.ID, res)
}

func (s *Server) handleSubscribe(_ context.Context, msg Message, sess *Session) (Message, error) {
	req, params, err := decodeParams[SubscribeResourceParams](msg)
	if err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, fmt.Errorf("%w: uri is required", ErrInvalidParams)
	}

	subs, _ := SessionValue[[]string](sess, SessionKeySubscriptions)
	if !slices.Contains(subs, params.URI) {
		sess.Set(SessionKeySubscriptions, append(subs, params.URI))
	}
	s.subscriptions.add(params.URI, sess.ID().String())
	return NewResponse(req.ID, nil)
}

func (s *Server) handleUnsubscribe(_ context.Context, msg Message, sess *Session) (Message, error) {
	req, params, err := decodeParams[SubscribeResourceParams](msg)
	if err != nil {
		return nil, err
	}

	subs, _ := SessionValue[[]string](sess, SessionKeySubscriptions)
	sess.Set(SessionKeySubscriptions, slices.DeleteFunc(subs, func(u string) bool { return u == params.URI }))
	s.subscriptions.remove(params.URI, sess.ID().String())
	return NewResponse(req.ID, nil)
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
