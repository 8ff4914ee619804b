package weather

// Typed decode targets for the upstream weather API. The provider wraps
// every response in an envelope whose "code" field is the real status;
// HTTP 200 with a non-"200" code is still a failure.

// Now is the current-conditions block of a weather report.
type Now struct {
	ObsTime   string `json:"obsTime"`
	Temp      string `json:"temp"`
	FeelsLike string `json:"feelsLike"`
	Icon      string `json:"icon"`
	Text      string `json:"text"`
	WindDir   string `json:"windDir"`
	WindScale string `json:"windScale"`
	Humidity  string `json:"humidity"`
	Vis       string `json:"vis"`
}

// Report is a decoded /v7/weather/now response.
type Report struct {
	UpdateTime string
	Now        Now
	Sources    []string
}

// Warning is one weather-hazard warning. Immutable once fetched; the
// upstream-assigned ID drives per-subscriber dedup.
type Warning struct {
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	PubTime       string `json:"pubTime"`
	Title         string `json:"title"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	Status        string `json:"status"`
	Severity      string `json:"severity"`
	SeverityColor string `json:"severityColor"`
	Type          string `json:"type"`
	TypeName      string `json:"typeName"`
	Text          string `json:"text"`
}

// City is one /geo/v2/city/lookup hit.
type City struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Adm1    string `json:"adm1"`
	Adm2    string `json:"adm2"`
	Country string `json:"country"`
	Lat     string `json:"lat"`
	Lon     string `json:"lon"`
}

// DisplayName renders "Name (Adm1)" unless they coincide.
func (c City) DisplayName() string {
	if c.Adm1 != "" && c.Adm1 != c.Name {
		return c.Name + " (" + c.Adm1 + ")"
	}
	return c.Name
}
