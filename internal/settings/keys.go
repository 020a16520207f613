package settings

// Namespaced setting keys. Unknown keys are accepted by the store but have
// no apply effect.
const (
	KeyInferenceThreshold    = "inference.auto.threshold"
	KeyInferenceLoopInterval = "inference.auto.loop_interval_sec"

	KeyLabelerInterval   = "labeler.interval"
	KeyLabelerMinAge     = "labeler.min_age_seconds"
	KeyLabelerBatchLimit = "labeler.batch_limit"
	KeyLabelerLookahead  = "labeler.bottom.lookahead"
	KeyLabelerDrawdown   = "labeler.bottom.drawdown"
	KeyLabelerRebound    = "labeler.bottom.rebound"

	KeyCalibLiveWindow       = "calibration.live.window_seconds"
	KeyCalibLiveBins         = "calibration.live.bins"
	KeyCalibEagerEnabled     = "calibration.eager.enabled"
	KeyCalibEagerLimit       = "calibration.eager.limit"
	KeyCalibEagerMinAge      = "calibration.eager.min_age_seconds"
	KeyCalibMonECEAbs        = "calibration.monitor.ece_abs"
	KeyCalibMonECERel        = "calibration.monitor.ece_rel"
	KeyCalibMonAbsStreak     = "calibration.monitor.abs_streak_trigger"
	KeyCalibMonRelStreak     = "calibration.monitor.rel_streak_trigger"
	KeyCalibMonWindow        = "calibration.monitor.window_seconds"
	KeyCalibMonAbsMultiplier = "calibration.monitor.abs_delta_multiplier"
	KeyCalibMonRecCooldown   = "calibration.monitor.recommend_cooldown_seconds"
	KeyCalibMonMinSamples    = "calibration.monitor.min_samples"

	KeyTrainingMinLabels      = "training.bottom.min_labels"
	KeyTrainingMinTrainLabels = "training.bottom.min_train_labels"
	KeyTrainingOHLCVCap       = "training.bottom.ohlcv_fetch_cap"
	KeyTrainingAutoEnabled    = "training.auto.enabled"
	KeyTrainingAutoInterval   = "training.auto.interval_seconds"

	KeyPromotionMinAUCDelta   = "promotion.min_auc_delta"
	KeyPromotionMaxECEDelta   = "promotion.max_ece_delta"
	KeyPromotionMinValSamples = "promotion.min_val_samples"
	KeyPromotionCooldown      = "promotion.cooldown_seconds"

	KeyRiskMaxNotional  = "risk.max_notional"
	KeyRiskMaxDailyLoss = "risk.max_daily_loss"
	KeyRiskMaxDrawdown  = "risk.max_drawdown"
	KeyRiskATRMultiple  = "risk.atr_multiple"

	KeyLiveTradingEnabled     = "live_trading.enabled"
	KeyLiveTradingCooldown    = "live_trading.cooldown_sec"
	KeyLiveTradingBaseSize    = "live_trading.base_size"
	KeyLiveTradingTrailTPPct  = "live_trading.trailing_take_profit_pct"
	KeyLiveTradingMaxHoldSecs = "live_trading.max_holding_seconds"
	KeyEntryConfirmEnabled    = "live_trading.entry_confirm.enabled"
	KeyEntryConfirmPct        = "live_trading.entry_confirm.rebound_pct"
	KeyEntryConfirmMABars     = "live_trading.entry_confirm.ma_bars"
	KeyLiveScaleInEnabled     = "live_scale_in.enabled"

	KeyExitEnableNewPolicy = "exit.enable_new_policy"
	KeyExitTrailMode       = "exit.trail.mode"
	KeyExitTrailMultiplier = "exit.trail.multiplier"
	KeyExitTrailPercent    = "exit.trail.percent"
	KeyExitTimeStopBars    = "exit.time_stop.bars"
	KeyExitPartialEnabled  = "exit.partial.enabled"
	KeyExitPartialLevels   = "exit.partial.levels"
	KeyExitCooldownBars    = "exit.cooldown.bars"
	KeyExitDailyLossCapR   = "exit.daily_loss_cap_r"
	KeyExitFreezeOnExit    = "exit.freeze_on_exit"
)
