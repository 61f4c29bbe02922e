package renewal

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var clusterFamilies = map[string]string{
	"cluster_it_software":  "72",
	"cluster_digital":      "72",
	"cluster_consulting":   "79",
	"cluster_construction": "45",
	"cluster_facilities":   "50",
	"cluster_transport":    "60",
	"cluster_health":       "33",
	"cluster_education":    "80",
	"cluster_environment":  "90",
	"cluster_food":         "15",
	"cluster_security":     "79",
	"cluster_telecom":      "64",
	"cluster_energy":       "09",
	"cluster_finance":      "66",
	"cluster_legal":        "79",
	"cluster_marketing":    "79",
	"cluster_hr":           "79",
	"cluster_research":     "73",
}

// CPVFamily maps a CPV cluster name to a two-character CPV family. Unknown
// clusters use the first two characters after the "cluster_" prefix.
func CPVFamily(cluster string) string {
	if fam, ok := clusterFamilies[cluster]; ok {
		return fam
	}
	s := strings.Replace(cluster, "cluster_", "", 1)
	if len(s) > 2 {
		return s[:2]
	}
	return s
}

var printer = message.NewPrinter(language.English)

// Money formats a euro amount rounded to whole units with grouping, e.g. "€1,250,000".
func Money(v float64) string {
	return printer.Sprintf("€%d", int64(math.Round(v)))
}

// Snippet is the evidence text stored on a renewal market signal.
func (s *Signal) Snippet() string {
	return fmt.Sprintf("%s: %d %s contract(s) expiring %s (%d days). %s total value. %d incumbent supplier(s).",
		s.BuyerName, s.ExpiringCount, s.CPVCluster, s.Urgency, s.DaysUntilExpiry,
		Money(s.TotalValueEUR), s.DistinctSuppliers)
}

// Drivers explains a renewal-driven prediction.
func (s *Signal) Drivers() []string {
	contract := "Standard contract"
	if s.HasFrameworks {
		contract = "Framework agreement detected"
	}
	return []string{
		fmt.Sprintf("Contract end date: %s (%d days)", s.LatestContractEnd, s.DaysUntilExpiry),
		"Signal type: " + s.SignalType,
		fmt.Sprintf("%d historical contracts with this buyer", s.TotalContracts),
		fmt.Sprintf("%d contract(s) expiring in window", s.ExpiringCount),
		Money(s.TotalValueEUR) + " total value",
		fmt.Sprintf("%d incumbent supplier(s)", s.DistinctSuppliers),
		contract,
		"Average duration: " + printer.Sprint(number.Decimal(s.AvgDurationMonths, number.MaxFractionDigits(3))) + " months",
	}
}

// Summary describes one expiring contract, e.g. "Acme Ltd: €12,500, ends 2026-03-31".
func (c *Contract) Summary() string {
	value := "N/A"
	if c.ValueEUR != nil {
		value = "€" + printer.Sprint(number.Decimal(*c.ValueEUR, number.MaxFractionDigits(3)))
	}
	return fmt.Sprintf("%s: %s, ends %s", c.Supplier, value, c.EndDate)
}
