package models

import "github.com/paulmach/orb"

// Count is one group key with the number of records in it
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"frecuencia"`
}

// MonthCount is a month-of-year bucket across all years
type MonthCount struct {
	MonthNum int    `json:"month_num"`
	Month    string `json:"month"`
	Count    int    `json:"frecuencia"`
}

// YearCount is a calendar-year bucket
type YearCount struct {
	Year  int `json:"year"`
	Count int `json:"frecuencia"`
}

// RegionCount is a polygon with the number of records it received, for choropleths
type RegionCount struct {
	Name     string       `json:"name"`
	Count    int          `json:"frecuencia"`
	Geometry orb.Geometry `json:"-"`
}
