package domain

// SecurityColumns is the default column allow-list for get_general_data.
var SecurityColumns = []string{
	"securityid", "ticker", "name", "sector", "industry", "market",
	"primary_exchange", "active", "description", "cik", "market_cap",
	"share_class_shares_outstanding", "share_class_figi", "total_employees",
	"weighted_shares_outstanding",
}

// SecurityFilter narrows securities queries and the bar-data ticker universe.
// Nil pointer fields mean "not constrained"; Active defaults to true when nil.
type SecurityFilter struct {
	Tickers                      []string
	Sector                       string
	Industry                     string
	Market                       string
	PrimaryExchange              string
	Active                       *bool
	MarketCapMin                 *float64
	MarketCapMax                 *float64
	TotalEmployeesMin            *float64
	TotalEmployeesMax            *float64
	WeightedSharesOutstandingMin *float64
	WeightedSharesOutstandingMax *float64
}

// SecurityQuery describes one get_general_data request.
type SecurityQuery struct {
	Columns []string
	Filters *SecurityFilter
}
