package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MemoryRegistry is an in-memory Registry. Items are listed in registration order and
// cursors encode the offset of the next page.
type MemoryRegistry struct {
	mu        sync.RWMutex
	tools     []ToolReference
	resources []ResourceReference
	templates []registeredTemplate
	prompts   []PromptReference
}

type registeredTemplate struct {
	ref     ResourceTemplateReference
	pattern *regexp.Regexp
}

var templateVar = regexp.MustCompile(`\{[^}]+\}`)

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

// AddTool registers a tool, replacing any tool with the same name.
func (r *MemoryRegistry) AddTool(tool Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := ToolReference{Tool: tool, Handler: handler}
	for i, t := range r.tools {
		if t.Tool.Name == tool.Name {
			r.tools[i] = ref
			return
		}
	}
	r.tools = append(r.tools, ref)
}

// AddResource registers a resource, replacing any resource with the same URI.
func (r *MemoryRegistry) AddResource(resource Resource, handler ResourceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := ResourceReference{Resource: resource, Handler: handler}
	for i, res := range r.resources {
		if res.Resource.URI == resource.URI {
			r.resources[i] = ref
			return
		}
	}
	r.resources = append(r.resources, ref)
}

// AddResourceTemplate registers a resource template. Each {variable} of the template
// matches one non-empty path segment.
func (r *MemoryRegistry) AddResourceTemplate(
	template ResourceTemplate,
	handler ResourceHandler,
	completions map[string]CompletionProvider,
) error {
	pattern, err := compileTemplate(template.URITemplate)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.templates = append(r.templates, registeredTemplate{
		ref: ResourceTemplateReference{
			Template:    template,
			Handler:     handler,
			Completions: completions,
		},
		pattern: pattern,
	})
	return nil
}

// AddPrompt registers a prompt, replacing any prompt with the same name.
func (r *MemoryRegistry) AddPrompt(prompt Prompt, handler PromptHandler, completions map[string]CompletionProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := PromptReference{Prompt: prompt, Handler: handler, Completions: completions}
	for i, p := range r.prompts {
		if p.Prompt.Name == prompt.Name {
			r.prompts[i] = ref
			return
		}
	}
	r.prompts = append(r.prompts, ref)
}

// Tools implements Registry.
func (r *MemoryRegistry) Tools(_ context.Context, pageSize int, cursor string) (Page[Tool], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return paginate(r.tools, pageSize, cursor, func(t ToolReference) Tool { return t.Tool })
}

// Resources implements Registry.
func (r *MemoryRegistry) Resources(_ context.Context, pageSize int, cursor string) (Page[Resource], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return paginate(r.resources, pageSize, cursor, func(res ResourceReference) Resource { return res.Resource })
}

// ResourceTemplates implements Registry.
func (r *MemoryRegistry) ResourceTemplates(
	_ context.Context,
	pageSize int,
	cursor string,
) (Page[ResourceTemplate], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return paginate(r.templates, pageSize, cursor, func(t registeredTemplate) ResourceTemplate {
		return t.ref.Template
	})
}

// Prompts implements Registry.
func (r *MemoryRegistry) Prompts(_ context.Context, pageSize int, cursor string) (Page[Prompt], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return paginate(r.prompts, pageSize, cursor, func(p PromptReference) Prompt { return p.Prompt })
}

// Tool implements Registry.
func (r *MemoryRegistry) Tool(name string) (ToolReference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tools {
		if t.Tool.Name == name {
			return t, true
		}
	}
	return ToolReference{}, false
}

// Resource implements Registry. Exact URIs win over template matches.
func (r *MemoryRegistry) Resource(uri string) (ResourceReference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, res := range r.resources {
		if res.Resource.URI == uri {
			return res, true
		}
	}
	for _, t := range r.templates {
		if !t.pattern.MatchString(uri) {
			continue
		}
		return ResourceReference{
			Resource: Resource{
				URI:         uri,
				Name:        t.ref.Template.Name,
				Description: t.ref.Template.Description,
				MimeType:    t.ref.Template.MimeType,
			},
			Handler: t.ref.Handler,
		}, true
	}
	return ResourceReference{}, false
}

// ResourceTemplate implements Registry.
func (r *MemoryRegistry) ResourceTemplate(uriTemplate string) (ResourceTemplateReference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.templates {
		if t.ref.Template.URITemplate == uriTemplate {
			return t.ref, true
		}
	}
	return ResourceTemplateReference{}, false
}

// Prompt implements Registry.
func (r *MemoryRegistry) Prompt(name string) (PromptReference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.prompts {
		if p.Prompt.Name == name {
			return p, true
		}
	}
	return PromptReference{}, false
}

func paginate[S, T any](items []S, pageSize int, cursor string, conv func(S) T) (Page[T], error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return Page[T]{}, err
	}
	if offset > len(items) {
		return Page[T]{}, fmt.Errorf("%w: cursor out of range", ErrInvalidParams)
	}
	end := len(items)
	if pageSize > 0 && offset+pageSize < end {
		end = offset + pageSize
	}

	page := Page[T]{Items: make([]T, 0, end-offset)}
	for _, it := range items[offset:end] {
		page.Items = append(page.Items, conv(it))
	}
	if end < len(items) {
		page.NextCursor = encodeCursor(end)
	}
	return page, nil
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	bs, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid cursor", ErrInvalidParams)
	}
	offset, err := strconv.Atoi(string(bs))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: invalid cursor", ErrInvalidParams)
	}
	return offset, nil
}

func compileTemplate(uriTemplate string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range templateVar.FindAllStringIndex(uriTemplate, -1) {
		b.WriteString(regexp.QuoteMeta(uriTemplate[last:loc[0]]))
		b.WriteString("[^/]+")
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(uriTemplate[last:]))
	b.WriteString("$")

	pattern, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid uri template %q: %w", uriTemplate, err)
	}
	return pattern, nil
}
