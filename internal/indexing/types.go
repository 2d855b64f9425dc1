package indexing

// Wire names follow the Discovery Engine REST surface: an index is a data
// store and a search application is an engine.

type createDataStoreRequest struct {
	DisplayName      string   `json:"displayName"`
	IndustryVertical string   `json:"industryVertical"`
	ContentConfig    string   `json:"contentConfig"`
	SolutionTypes    []string `json:"solutionTypes"`
}

type searchEngineConfig struct {
	SearchTier string `json:"searchTier"`
}

type createEngineRequest struct {
	DisplayName        string             `json:"displayName"`
	DataStoreIDs       []string           `json:"dataStoreIds"`
	SolutionType       string             `json:"solutionType"`
	SearchEngineConfig searchEngineConfig `json:"searchEngineConfig"`
}

type gcsSource struct {
	InputURIs  []string `json:"inputUris"`
	DataSchema string   `json:"dataSchema"`
}

type importDocumentsRequest struct {
	GCSSource          gcsSource `json:"gcsSource"`
	ReconciliationMode string    `json:"reconciliationMode"`
}

// Status is the error payload of a service response or failed operation.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type errorEnvelope struct {
	Error *Status `json:"error"`
}

// Operation is a long-running job accepted by the service.
type Operation struct {
	Name  string  `json:"name"`
	Done  bool    `json:"done"`
	Error *Status `json:"error,omitempty"`
}
