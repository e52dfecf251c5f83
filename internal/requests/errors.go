package requests

import "errors"

// Precondition errors. None of them leave any mutation behind.
var (
	ErrNotFound        = errors.New("request not found")
	ErrInvalidState    = errors.New("request is not in a state that allows this operation")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrForbidden       = errors.New("user is not allowed to perform this operation")
	ErrMissingTvdbID   = errors.New("series has no TVDB id; the episode manager cannot add it")
	ErrMultipleSeasons = errors.New("episode requests must target exactly one season")
	ErrTooManyIDs      = errors.New("too many request ids in one bulk operation")
)

// ErrConflict means the request changed while the operation was running.
// The caller's write was discarded; reload and retry.
var ErrConflict = errors.New("request was modified concurrently")

// ErrNoEpisodesMatched means the episode manager does not list any of the
// requested episodes yet. The request is marked failed and can be approved
// again once the provider has refreshed the series.
var ErrNoEpisodesMatched = errors.New("none of the requested episodes exist in the episode manager")

// ErrProviderUnavailable is what callers see when a provider call fails during
// approval. The underlying cause is logged and kept in the request's
// status reason.
var ErrProviderUnavailable = errors.New("could not reach the download manager, check connectivity")

// isPrecondition reports whether err was raised before any provider was touched.
func isPrecondition(err error) bool {
	return errors.Is(err, ErrMissingTvdbID) || errors.Is(err, ErrMultipleSeasons) || errors.Is(err, ErrInvalidState)
}
