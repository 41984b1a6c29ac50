package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"speedtest-orchestrator/pkg/fetch"
)

// IPInfoResponse is the ipinfo.io record a getIP endpoint may embed as
// rawIspInfo.
type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
}

// ASN splits the "org" field ("AS13335 Cloudflare, Inc.") into the AS
// number and the organisation name.
func (r IPInfoResponse) ASN() (number, org string) {
	orgParts := strings.SplitN(r.Org, " ", 2)
	if len(orgParts) == 2 && strings.HasPrefix(orgParts[0], "AS") {
		return strings.TrimPrefix(orgParts[0], "AS"), orgParts[1]
	}
	// If we can't parse it properly, return the whole string as the org
	return "", r.Org
}

// ClientInfo is what the getIP endpoint told us about the client.
type ClientInfo struct {
	ProcessedString string          `json:"processedString"`
	RawISPInfo      *IPInfoResponse `json:"rawIspInfo,omitempty"`
}

// Parse accepts either the JSON reply of getIP.php or a bare address.
func Parse(body []byte) ClientInfo {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var info ClientInfo
		if err := json.Unmarshal([]byte(text), &info); err == nil {
			if info.ProcessedString == "" && info.RawISPInfo != nil {
				info.ProcessedString = info.RawISPInfo.IP
			}
			return info
		}
		// rawIspInfo may be an empty string instead of an object
		var loose struct {
			ProcessedString string `json:"processedString"`
		}
		if err := json.Unmarshal([]byte(text), &loose); err == nil {
			return ClientInfo{ProcessedString: loose.ProcessedString}
		}
	}
	return ClientInfo{ProcessedString: text}
}

// Lookup queries a getIP endpoint.
func Lookup(ctx context.Context, client *http.Client, url string) (ClientInfo, error) {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	body, err := fetch.Get(ctx, client, url+sep+"isp=true")
	if err != nil {
		return ClientInfo{}, fmt.Errorf("failed to look up client IP: %w", err)
	}
	return Parse(body), nil
}
