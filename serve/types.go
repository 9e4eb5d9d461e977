package serve

// NameRequest selects an experiment by name.
type NameRequest struct {
	ExperimentName string `json:"experiment_name"`
}

// ErrorResponse is the JSON body for error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ExperimentResponse is one registry entry plus its derived engine names.
type ExperimentResponse struct {
	Name          string `json:"name"`
	Ref           string `json:"ref"`
	Code          string `json:"code"`
	Entrypoint    string `json:"entrypoint,omitempty"`
	ArtifactsPath string `json:"artifacts_path,omitempty"`
	ImageTag      string `json:"image_tag"`
	ContainerName string `json:"container_name"`
}

// RunResponse reports a started container.
type RunResponse struct {
	ContainerID string `json:"container_id"`
}

// RemoveResponse reports a removed (or already absent) container.
type RemoveResponse struct {
	Removed string `json:"removed"`
}

// HealthResponse reports engine reachability.
type HealthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}
