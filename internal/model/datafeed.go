package model

// ExchangeDescriptor names an exchange the host may filter symbol search by.
type ExchangeDescriptor struct {
	Value string `json:"value"`
	Name  string `json:"name"`
	Desc  string `json:"desc"`
}

// SymbolType names a symbol type the host may filter symbol search by.
type SymbolType struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DatafeedConfiguration is the static configuration delivered on ready.
type DatafeedConfiguration struct {
	SupportedResolutions   []Resolution         `json:"supported_resolutions"`
	Exchanges              []ExchangeDescriptor `json:"exchanges"`
	SymbolsTypes           []SymbolType         `json:"symbols_types"`
	SupportsMarks          bool                 `json:"supports_marks"`
	SupportsTimescaleMarks bool                 `json:"supports_timescale_marks"`
	SupportsTime           bool                 `json:"supports_time"`
}

// SearchResult is one entry of a symbol search.
type SearchResult struct {
	Symbol      string `json:"symbol"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Exchange    string `json:"exchange"`
	Type        string `json:"type"`
}

// SymbolInfo is the resolved symbol record handed to the host.
type SymbolInfo struct {
	Instrument           Instrument   `json:"-"`
	Ticker               string       `json:"ticker"`
	Name                 string       `json:"name"`
	Description          string       `json:"description"`
	Type                 string       `json:"type"`
	Session              string       `json:"session"`
	Timezone             string       `json:"timezone"`
	Exchange             string       `json:"exchange"`
	MinMov               int          `json:"minmov"`
	PriceScale           int64        `json:"pricescale"`
	HasIntraday          bool         `json:"has_intraday"`
	HasDaily             bool         `json:"has_daily"`
	HasWeeklyAndMonthly  bool         `json:"has_weekly_and_monthly"`
	VisiblePlotsSet      string       `json:"visible_plots_set"`
	SupportedResolutions []Resolution `json:"supported_resolutions"`
	VolumePrecision      int          `json:"volume_precision"`
	DataStatus           string       `json:"data_status"`
}

// NewSymbolInfo builds the host record for a resolved instrument.
func NewSymbolInfo(inst Instrument, resolutions []Resolution) SymbolInfo {
	return SymbolInfo{
		Instrument:           inst,
		Ticker:               inst.FullName,
		Name:                 inst.ShortName,
		Description:          inst.ShortName,
		Type:                 inst.Type,
		Session:              "24x7",
		Timezone:             "Etc/UTC",
		Exchange:             inst.Exchange,
		MinMov:               1,
		PriceScale:           inst.PriceScale(),
		HasIntraday:          true,
		HasDaily:             true,
		VisiblePlotsSet:      "ohlcv",
		SupportedResolutions: resolutions,
		VolumePrecision:      2,
		DataStatus:           "streaming",
	}
}
