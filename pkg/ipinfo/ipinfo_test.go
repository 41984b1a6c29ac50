package ipinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want ClientInfo
	}{
		{
			name: "Plain address",
			body: "203.0.113.7\n",
			want: ClientInfo{ProcessedString: "203.0.113.7"},
		},
		{
			name: "Processed string with ISP info",
			body: `{"processedString":"203.0.113.7 - Example ISP, DE","rawIspInfo":{"ip":"203.0.113.7","org":"AS64500 Example ISP","country":"DE"}}`,
			want: ClientInfo{
				ProcessedString: "203.0.113.7 - Example ISP, DE",
				RawISPInfo:      &IPInfoResponse{IP: "203.0.113.7", Org: "AS64500 Example ISP", Country: "DE"},
			},
		},
		{
			name: "Empty rawIspInfo string",
			body: `{"processedString":"203.0.113.7","rawIspInfo":""}`,
			want: ClientInfo{ProcessedString: "203.0.113.7"},
		},
		{
			name: "Only raw info",
			body: `{"rawIspInfo":{"ip":"198.51.100.1"}}`,
			want: ClientInfo{ProcessedString: "198.51.100.1", RawISPInfo: &IPInfoResponse{IP: "198.51.100.1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse([]byte(tt.body)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestASN(t *testing.T) {
	tests := []struct {
		org        string
		wantNumber string
		wantOrg    string
	}{
		{org: "AS13335 Cloudflare, Inc.", wantNumber: "13335", wantOrg: "Cloudflare, Inc."},
		{org: "Unknown", wantNumber: "", wantOrg: "Unknown"},
		{org: "Some Org", wantNumber: "", wantOrg: "Some Org"},
	}
	for _, tt := range tests {
		number, org := IPInfoResponse{Org: tt.org}.ASN()
		if number != tt.wantNumber || org != tt.wantOrg {
			t.Errorf("ASN(%q) = %q, %q, want %q, %q", tt.org, number, org, tt.wantNumber, tt.wantOrg)
		}
	}
}

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("isp") != "true" {
			http.Error(w, "isp flag missing", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"processedString":"192.0.2.1"}`))
	}))
	defer srv.Close()

	info, err := Lookup(context.Background(), srv.Client(), srv.URL+"/getIP.php")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if info.ProcessedString != "192.0.2.1" {
		t.Errorf("ProcessedString = %q", info.ProcessedString)
	}
}
