package coordinator

import (
	"context"
	"time"

	perrors "github.com/Vanuan/photo-management-sub002/internal/errors"
	"github.com/Vanuan/photo-management-sub002/internal/metadata"
	"github.com/Vanuan/photo-management-sub002/internal/storage"
)

// Filters is the enumerated set of search predicates. Zero values do not
// filter.
type Filters struct {
	ClientID     string
	UserID       string
	SessionID    string
	ContentTypes []string
	Statuses     []metadata.ProcessingStatus
	UploadedFrom *time.Time
	UploadedTo   *time.Time
	MinSize      *int64
	MaxSize      *int64
	Text         string
}

// Sort orders search results. The zero value is upload time, newest first.
type Sort struct {
	Field string
	// Ascending flips the default descending order.
	Ascending bool
}

// SearchRequest combines filters, sort and pagination.
type SearchRequest struct {
	Filters Filters
	Sort    Sort
	// Limit defaults to the configured page size when zero or negative and
	// is clamped to the configured maximum.
	Limit  int
	Offset int
}

// Page is one page of search results.
type Page struct {
	Items   []metadata.PhotoRecord
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// Search runs a filtered, sorted, paginated query.
func (c *Coordinator) Search(ctx context.Context, req SearchRequest) (page *Page, err error) {
	started := time.Now()
	defer func() { c.observe("search", started, err) }()

	q, err := c.buildQuery(req)
	if err != nil {
		return nil, err
	}

	sctx, cancel := c.call(ctx)
	defer cancel()
	res, err := c.meta.SearchPhotos(sctx, q)
	if err != nil {
		return nil, c.classify(ctx, err, "searching photos")
	}
	return &Page{
		Items:   res.Items,
		Total:   res.Total,
		Limit:   q.Limit,
		Offset:  q.Offset,
		HasMore: q.Offset+len(res.Items) < res.Total,
	}, nil
}

// ListForOwner pages through one client's photos, newest upload first.
func (c *Coordinator) ListForOwner(ctx context.Context, ownerID string, limit, offset int) (*Page, error) {
	if err := validateIdentity("owner id", ownerID, true); err != nil {
		return nil, err
	}
	return c.Search(ctx, SearchRequest{
		Filters: Filters{ClientID: ownerID},
		Limit:   limit,
		Offset:  offset,
	})
}

func (c *Coordinator) buildQuery(req SearchRequest) (metadata.SearchQuery, error) {
	if req.Offset < 0 {
		return metadata.SearchQuery{}, perrors.ErrValidation.WithMessage("offset must not be negative")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = c.opts.DefaultPageSize
	}
	if limit > c.opts.MaxPageSize {
		limit = c.opts.MaxPageSize
	}

	switch req.Sort.Field {
	case "", metadata.SortUploadedAt, metadata.SortCreatedAt, metadata.SortSize, metadata.SortOriginalName:
	default:
		return metadata.SearchQuery{}, perrors.ErrValidation.WithMessage("unsupported sort field %q", req.Sort.Field)
	}

	f := req.Filters
	for _, st := range f.Statuses {
		if !st.Valid() {
			return metadata.SearchQuery{}, perrors.ErrValidation.WithMessage("unknown processing status %q", st)
		}
	}
	if f.UploadedFrom != nil && f.UploadedTo != nil && f.UploadedTo.Before(*f.UploadedFrom) {
		return metadata.SearchQuery{}, perrors.ErrValidation.WithMessage("upload time range is inverted")
	}
	if f.MinSize != nil && f.MaxSize != nil && *f.MaxSize < *f.MinSize {
		return metadata.SearchQuery{}, perrors.ErrValidation.WithMessage("size range is inverted")
	}

	contentTypes := make([]string, 0, len(f.ContentTypes))
	for _, ct := range f.ContentTypes {
		contentTypes = append(contentTypes, storage.NormalizeContentType(ct))
	}

	return metadata.SearchQuery{
		ClientID:     f.ClientID,
		UserID:       f.UserID,
		SessionID:    f.SessionID,
		ContentTypes: contentTypes,
		Statuses:     f.Statuses,
		UploadedFrom: f.UploadedFrom,
		UploadedTo:   f.UploadedTo,
		MinSize:      f.MinSize,
		MaxSize:      f.MaxSize,
		Text:         f.Text,
		SortBy:       req.Sort.Field,
		SortDesc:     !req.Sort.Ascending,
		Limit:        limit,
		Offset:       req.Offset,
	}, nil
}
