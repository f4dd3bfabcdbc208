package job

import "tenderd/internal/apperrors"

// Action identifies which engine operation a job performs. The set is
// closed: ParseAction rejects anything else at the transport boundary, and
// the worker's dispatch switch covers every constant.
type Action string

const (
	// ActionSyncState performs no engine work; it exists so a remote
	// client can pull the current database snapshot as an artifact.
	ActionSyncState Action = "sync_state"

	ActionFetchOrganisations Action = "fetch_organisations"
	ActionFetchTenders       Action = "fetch_tenders"
	ActionDownloadTenders    Action = "download_tenders"
	ActionDownloadResults    Action = "download_results"
	ActionCheckStatus        Action = "check_status"
	ActionSingleDownload     Action = "single_download"

	// ActionDeliverTenderDocs resolves one tender's local folder and
	// ships its documents, forcing the folder into the artifact.
	ActionDeliverTenderDocs Action = "deliver_tender_docs"
)

var actions = map[Action]bool{
	ActionSyncState:          true,
	ActionFetchOrganisations: true,
	ActionFetchTenders:       true,
	ActionDownloadTenders:    true,
	ActionDownloadResults:    true,
	ActionCheckStatus:        true,
	ActionSingleDownload:     true,
	ActionDeliverTenderDocs:  true,
}

// ParseAction validates a wire-level action string.
func ParseAction(raw string) (Action, error) {
	a := Action(raw)
	if !actions[a] {
		return "", apperrors.Validation("action", "unknown action: "+raw)
	}
	return a, nil
}

func (a Action) String() string { return string(a) }
