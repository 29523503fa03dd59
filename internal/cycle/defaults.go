package cycle

import "time"

// DefaultPhases is the standard six-phase cycle.
func DefaultPhases() []Phase {
	week := 7 * 24 * time.Hour
	return []Phase{
		{
			Name:        PhaseWebsiteOptimization,
			Description: "Improve site structure, speed and on-page SEO",
			Duration:    week,
			Tasks:       []string{"technical_seo_audit", "page_speed_optimization", "conversion_path_review"},
			Metrics:     map[string]any{"page_load_time": nil, "bounce_rate": nil, "organic_traffic": nil},
		},
		{
			Name:        PhaseMultiChannelMarketing,
			Description: "Distribute content across social, email and paid channels",
			Duration:    week,
			Tasks:       []string{"social_campaigns", "email_sequences", "paid_campaigns"},
			Metrics:     map[string]any{"channel_reach": nil, "engagement_rate": nil, "click_through_rate": nil},
		},
		{
			Name:        PhaseDataLearning,
			Description: "Collect analytics and learn from campaign results",
			Duration:    week,
			Tasks:       []string{"analytics_collection", "audience_segmentation", "performance_analysis"},
			Metrics:     map[string]any{"data_points": nil, "insight_count": nil},
		},
		{
			Name:        PhaseContentRefinement,
			Description: "Refresh and extend content based on what performed",
			Duration:    week,
			Tasks:       []string{"content_refresh", "gap_analysis", "offer_refinement"},
			Metrics:     map[string]any{"content_score": nil, "time_on_page": nil},
		},
		{
			Name:        PhaseRevenueOptimization,
			Description: "Tune pricing, ad spend and affiliate mix",
			Duration:    week,
			Tasks:       []string{"pricing_experiments", "ad_spend_allocation", "affiliate_review"},
			Metrics:     map[string]any{"revenue": nil, "profit_margin": nil, "conversion_rate": nil},
		},
		{
			Name:        PhaseSystemExpansion,
			Description: "Add channels, products and automation",
			Duration:    week,
			Tasks:       []string{"new_channel_evaluation", "product_expansion", "automation_review"},
			Metrics:     map[string]any{"new_channels": nil, "automation_coverage": nil},
		},
	}
}

// DefaultFeedbackLoops are the short, medium and long loops.
func DefaultFeedbackLoops() map[string]FeedbackLoop {
	return map[string]FeedbackLoop{
		LoopShort:  {Interval: 24 * time.Hour, Metrics: []string{"click_through_rate", "engagement_rate"}},
		LoopMedium: {Interval: 7 * 24 * time.Hour, Metrics: []string{"conversion_rate", "organic_traffic"}},
		LoopLong:   {Interval: 30 * 24 * time.Hour, Metrics: []string{"revenue", "profit_margin"}},
	}
}
