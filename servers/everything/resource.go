package everything

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/mcp"
)

const (
	resourceCount  = 100
	resourcePrefix = "test://static/resource/"
)

var resourceIDs = mcp.ListCompletion{"1", "2", "3", "4", "5"}

func resourceURI(n int) string {
	return fmt.Sprintf("%s%d", resourcePrefix, n)
}

// registerResources adds the static resources: odd numbers are plain text, even numbers
// binary blobs. The template serves the same documents by id.
func (s *Server) registerResources() error {
	for i := 1; i <= resourceCount; i++ {
		mimeType := "text/plain"
		if i%2 == 0 {
			mimeType = "application/octet-stream"
		}
		s.registry.AddResource(mcp.Resource{
			URI:      resourceURI(i),
			Name:     fmt.Sprintf("Resource %d", i),
			MimeType: mimeType,
		}, s.readResource)
	}

	return s.registry.AddResourceTemplate(mcp.ResourceTemplate{
		URITemplate: resourcePrefix + "{id}",
		Name:        "Static Resource",
		Description: "A static resource with a numeric ID",
	}, s.readResource, map[string]mcp.CompletionProvider{"id": resourceIDs})
}

func (s *Server) readResource(ctx context.Context, uri string) (any, error) {
	s.log(ctx, mcp.LogLevelDebug, fmt.Sprintf("ReadResource: %s", uri))

	n, err := strconv.Atoi(strings.TrimPrefix(uri, resourcePrefix))
	if err != nil || n < 1 || n > resourceCount {
		return nil, fmt.Errorf("%w: %s", mcp.ErrResourceNotFound, uri)
	}

	if n%2 == 0 {
		return mcp.ResourceContents{
			URI:      uri,
			MimeType: "application/octet-stream",
			Blob:     base64Text(fmt.Sprintf("Resource %d: This is a base64 blob", n)),
		}, nil
	}
	return mcp.ResourceContents{
		URI:      uri,
		MimeType: "text/plain",
		Text:     fmt.Sprintf("Resource %d: This is a plain text resource", n),
	}, nil
}
