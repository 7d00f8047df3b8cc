package registrar

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/storage"
)

// RecordStore registers pull requests by posting them to the record API.
type RecordStore struct {
	sink PullRequestSink
}

var _ Registrar = (*RecordStore)(nil)

// NewRecordStore returns a registrar that records pull requests in sink.
func NewRecordStore(sink PullRequestSink) *RecordStore {
	return &RecordStore{sink: sink}
}

func (r *RecordStore) Register(ctx context.Context, req Request) (*storage.PullRequest, error) {
	compare := CompareURL(req.Owner, req.Repo, req.Base, req.Head)
	pr := &storage.PullRequest{
		RepoOwner:  req.Owner,
		RepoName:   req.Repo,
		RepoURL:    req.RepoURL,
		BaseBranch: req.Base,
		HeadBranch: req.Head,
		Title:      req.Title,
		Body:       req.Body,
		CompareURL: compare,
	}

	if err := r.sink.CreatePullRequest(ctx, pr); err != nil {
		var status interface{ HTTPStatus() int }
		code := 0
		if errors.As(err, &status) {
			code = status.HTTPStatus()
		}
		return nil, &BackendUnavailableError{CompareURL: compare, StatusCode: code, Err: err}
	}

	log.Info().
		Int64("pr_id", pr.ID).
		Str("head", pr.HeadBranch).
		Msg("pull request recorded")
	return pr, nil
}
