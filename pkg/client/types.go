package client

// DNSResult is the answer of /dns-query. IP holds an error string when resolution failed.
type DNSResult struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
}

// HTTPGetResult is the answer of /http-get. Response holds an error string when the relay failed.
type HTTPGetResult struct {
	URL      string `json:"url"`
	Response string `json:"response"`
}

type statusResult struct {
	Status *string `json:"status"`
}

type startResult struct {
	UniqueID *string `json:"unique_id"`
}

type killResult struct {
	StatusKill int `json:"status_kill"`
}

type errorResult struct {
	Error string `json:"error"`
}
