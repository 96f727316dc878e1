package config

// DefaultDomains is the built-in keyword table used when the configuration
// names no domains.
func DefaultDomains() map[string]DomainConfig {
	return map[string]DomainConfig{
		"agriculture": {Keywords: []string{"farm", "crop", "soil", "organic", "agriculture"}},
		"water":       {Keywords: []string{"irrigation", "water", "drainage", "hydro"}},
		"weather":     {Keywords: []string{"weather", "climate", "forecast", "meteorology"}},
		"crops":       {Keywords: []string{"crop", "plant", "disease", "pest", "harvest"}},
		"farm":        {Keywords: []string{"equipment", "machinery", "operation", "management"}},
		"marketplace": {Keywords: []string{"market", "price", "commodity", "trade"}},
		"banking":     {Keywords: []string{"loan", "insurance", "finance", "credit"}},
		"chat":        {Keywords: []string{"conversation", "chat", "dialogue", "interaction"}},
	}
}

// DefaultURLs seeds runs started with --use-default-urls.
func DefaultURLs() []string {
	return []string{
		"https://pac.com.pk/",
		"https://ztbl.com.pk/",
		"https://ffc.com.pk/kashtkar-desk/",
		"https://aari.punjab.gov.pk/",
		"https://plantprotection.gov.pk/",
		"https://web.uaf.edu.pk/",
		"https://namc.pmd.gov.pk/",
		"https://www.parc.gov.pk/",
		"http://www.amis.pk/",
		"https://agripunjab.gov.pk/",
		"https://www.fao.org/home/en",
		"https://www.pcrwr.gov.pk",
		"https://nwfc.pmd.gov.pk/new/daily-forecast.php",
		"https://www.pmd.gov.pk/en/",
		"https://www.iwmi.org/",
		"https://www.cgiar.org/",
	}
}
